package votes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"guestvoice-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.FeedbackItem{}, &models.Vote{}))
	return db
}

func seedFeedback(t *testing.T, db *gorm.DB, title, area, village string) *models.FeedbackItem {
	t.Helper()
	item := &models.FeedbackItem{
		AuthorID:         "author-1",
		Title:            title,
		Body:             "This is a sufficiently long feedback body for tests",
		Area:             area,
		VillageID:        village,
		State:            models.StateNew,
		ModerationStatus: models.ModerationApproved,
	}
	require.NoError(t, db.Create(item).Error)
	return item
}

func TestWeightFor(t *testing.T) {
	ledger := NewLedger(nil, map[string]float64{"lagoon": 2.0}, nil)
	item := &models.FeedbackItem{Area: "check-in", VillageID: "alpine"}

	tests := []struct {
		name     string
		rc       models.RoleContext
		item     *models.FeedbackItem
		expected float64
	}{
		{"plain user", models.RoleContext{Role: models.RoleUser}, item, 1.0},
		{"pm", models.RoleContext{Role: models.RolePM}, item, 2.0},
		{"po", models.RoleContext{Role: models.RolePO}, item, 2.5},
		{"researcher", models.RoleContext{Role: models.RoleResearcher}, item, 1.5},
		{"unknown role falls back to user weight", models.RoleContext{Role: "INTERN"}, item, 1.0},
		{
			"panel boost applies when panel covers the area",
			models.RoleContext{Role: models.RolePM, Panels: []string{"check-in"}},
			item, 2.5,
		},
		{
			"panel for another area does not boost",
			models.RoleContext{Role: models.RolePM, Panels: []string{"dining"}},
			item, 2.0,
		},
		{
			"village multiplier scales the boosted weight",
			models.RoleContext{Role: models.RoleUser, Panels: []string{"spa"}},
			&models.FeedbackItem{Area: "spa", VillageID: "lagoon"}, 3.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, ledger.WeightFor(tt.rc, tt.item), 1e-9)
		})
	}
}

func TestCastAndUnvote(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := NewLedger(db, nil, nil)
	item := seedFeedback(t, db, "Longer pool hours in the evening", "pool", "alpine")

	rc := models.RoleContext{UserID: "guest-1", Role: models.RolePM}
	vote, err := ledger.Cast(ctx, item.ID, rc)
	require.NoError(t, err)
	assert.Equal(t, 2.0, vote.BaseWeight)
	assert.Equal(t, item.ID, vote.FeedbackID)

	_, err = ledger.Cast(ctx, item.ID, rc)
	assert.ErrorIs(t, err, ErrAlreadyVoted)

	require.NoError(t, ledger.Unvote(ctx, item.ID, "guest-1"))
	assert.ErrorIs(t, ledger.Unvote(ctx, item.ID, "guest-1"), ErrVoteNotFound)
}

func TestCastMissingFeedback(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := NewLedger(db, nil, nil)

	_, err := ledger.Cast(ctx, "no-such-id", models.RoleContext{UserID: "guest-1", Role: models.RoleUser})
	assert.ErrorIs(t, err, ErrFeedbackNotFound)
}

func TestCastConcurrentUniqueness(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := NewLedger(db, nil, nil)
	item := seedFeedback(t, db, "Quieter air conditioning units", "rooms", "alpine")

	rc := models.RoleContext{UserID: "guest-1", Role: models.RoleUser}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = ledger.Cast(ctx, item.ID, rc)
		}(i)
	}
	wg.Wait()

	var successes, duplicates int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyVoted):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent cast must win")
	assert.Equal(t, 1, duplicates)

	var count int64
	require.NoError(t, db.Model(&models.Vote{}).Where("feedback_id = ?", item.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestStatsForBatch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := NewLedger(db, nil, nil)

	a := seedFeedback(t, db, "Add passport scan at kiosk", "check-in", "alpine")
	b := seedFeedback(t, db, "Longer happy hour at the beach bar", "dining", "alpine")
	c := seedFeedback(t, db, "Heated outdoor pool in winter", "pool", "alpine")

	now := time.Now()
	seedVote := func(feedbackID, userID string, weight float64, castAt time.Time) {
		require.NoError(t, db.Create(&models.Vote{
			FeedbackID: feedbackID,
			UserID:     userID,
			BaseWeight: weight,
			CastAt:     castAt,
		}).Error)
	}

	seedVote(a.ID, "u1", 1.0, now)
	seedVote(a.ID, "u2", 2.0, now.AddDate(0, 0, -180))
	seedVote(b.ID, "u1", 2.5, now)

	stats, err := ledger.StatsFor(ctx, []string{a.ID, b.ID, c.ID}, now)
	require.NoError(t, err)

	require.Len(t, stats, 3)
	assert.EqualValues(t, 2, stats[a.ID].Count)
	assert.InDelta(t, 3.0, stats[a.ID].TotalWeight, 1e-9)
	assert.InDelta(t, 2.0, stats[a.ID].TotalDecayedWeight, 1e-3, "180 day old vote contributes half")

	assert.EqualValues(t, 1, stats[b.ID].Count)
	assert.InDelta(t, 2.5, stats[b.ID].TotalDecayedWeight, 1e-9)

	assert.EqualValues(t, 0, stats[c.ID].Count, "items without votes get zero stats")
}

func TestStatsForEmptySet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := NewLedger(db, nil, nil)

	stats, err := ledger.StatsFor(ctx, nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, stats)
}
