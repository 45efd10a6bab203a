package feedback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"guestvoice-backend/internal/dedup"
	"guestvoice-backend/internal/events"
	"guestvoice-backend/internal/models"
	"guestvoice-backend/internal/moderation"
	"guestvoice-backend/internal/ratelimit"
	"guestvoice-backend/internal/redact"
	"guestvoice-backend/internal/votes"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// captureSink records emitted events synchronously for assertions
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Emit(event events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Name
	}
	return out
}

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

func newTestService(t *testing.T, submissionLimit int) (*Service, *captureSink) {
	t.Helper()

	db := openTestDB(t)
	sink := &captureSink{}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), map[ratelimit.Kind]ratelimit.Rule{
		ratelimit.KindSubmission: {Limit: submissionLimit, Window: 24 * time.Hour},
		ratelimit.KindUpload:     {Limit: 10, Window: time.Minute},
	})

	return &Service{
		DB:       db,
		Redactor: redact.New(),
		Scorer:   moderation.NewHeuristicScorer(),
		Ledger:   votes.NewLedger(db, nil, sink),
		Limiter:  limiter,
		Events:   sink,
	}, sink
}

var author = models.RoleContext{UserID: "guest-1", Role: models.RoleUser, VillageID: "alpine"}

func submitInput(title string) SubmitInput {
	return SubmitInput{
		Title: title,
		Body:  "The evening queues at the kiosk are far too long for families",
		Area:  "check-in",
	}
}

func TestSubmitCleanFeedback(t *testing.T) {
	ctx := context.Background()
	svc, sink := newTestService(t, 10)

	item, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.StateNew, item.State)
	assert.Equal(t, models.ModerationApproved, item.ModerationStatus)
	assert.Empty(t, item.ModerationSignals)
	assert.Equal(t, "alpine", item.VillageID, "village defaults to the author's")
	assert.Equal(t, item.CreatedAt.Add(models.EditWindowDuration), item.EditWindowEndsAt)

	assert.Contains(t, sink.names(), events.FeedbackCreated)
}

func TestSubmitRedactsPII(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	in := submitInput("Broken shower in my room")
	in.Body = "The shower is cold every morning, call me at 555-867-5309 to schedule"

	item, err := svc.Submit(ctx, author, in)
	require.NoError(t, err)

	assert.NotContains(t, item.Body, "555-867-5309")
	assert.Contains(t, item.Body, "***09")
	assert.Equal(t, models.ModerationAutoPending, item.ModerationStatus)
	assert.True(t, item.ModerationSignals.Has(models.SignalPII))
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	_, err := svc.Submit(ctx, author, submitInput("short"))
	assert.ErrorIs(t, err, ErrValidation)

	in := submitInput("A reasonable length title")
	in.Body = "too short"
	_, err = svc.Submit(ctx, author, in)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitRateLimited(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 2)

	_, err := svc.Submit(ctx, author, submitInput("First idea about the kiosks"))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, author, submitInput("Second idea about the pool"))
	require.NoError(t, err)

	_, err = svc.Submit(ctx, author, submitInput("Third idea about the dining"))
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.False(t, rle.ResetAt.IsZero())

	// A different author is unaffected
	other := models.RoleContext{UserID: "guest-2", Role: models.RoleUser}
	_, err = svc.Submit(ctx, other, submitInput("Another idea about dining"))
	assert.NoError(t, err)
}

func TestUpdateWithinWindow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	item, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)

	updated, err := svc.Update(ctx, author, item.ID,
		"Add passport scan at every kiosk",
		"Queues would shrink a lot if every kiosk had a passport scanner")
	require.NoError(t, err)
	assert.Equal(t, "Add passport scan at every kiosk", updated.Title)

	// Edits go back through redaction
	updated, err = svc.Update(ctx, author, item.ID,
		"Add passport scan at every kiosk",
		"Queues are terrible, ring me on 555-867-5309 about the details")
	require.NoError(t, err)
	assert.NotContains(t, updated.Body, "555-867-5309")
	assert.True(t, updated.ModerationSignals.Has(models.SignalPII))
}

func TestUpdateOnlyAuthor(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	item, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)

	other := models.RoleContext{UserID: "guest-2", Role: models.RoleUser}
	_, err = svc.Update(ctx, other, item.ID,
		"Hijacked title for this item",
		"This body is long enough but the caller is not the author")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUpdateWindowClosed(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	item, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)

	// Age the item past its window
	require.NoError(t, svc.DB.Model(&models.FeedbackItem{}).
		Where("id = ?", item.ID).
		Update("edit_window_ends_at", time.Now().Add(-time.Minute)).Error)

	_, err = svc.Update(ctx, author, item.ID,
		"Add passport scan at every kiosk",
		"Queues would shrink a lot if every kiosk had a passport scanner")
	assert.ErrorIs(t, err, ErrEditWindowClosed)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	item, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)

	_, err = svc.Transition(ctx, author, item.ID, models.StateTriaged)
	assert.ErrorIs(t, err, ErrForbidden, "plain users may not triage")

	pm := models.RoleContext{UserID: "pm-1", Role: models.RolePM}
	triaged, err := svc.Transition(ctx, pm, item.ID, models.StateTriaged)
	require.NoError(t, err)
	assert.Equal(t, models.StateTriaged, triaged.State)

	_, err = svc.Transition(ctx, pm, item.ID, models.StateNew)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = svc.Transition(ctx, pm, "missing-id", models.StateClosed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascadesVotes(t *testing.T) {
	ctx := context.Background()
	svc, sink := newTestService(t, 10)

	item, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)

	voter := models.RoleContext{UserID: "guest-2", Role: models.RoleUser}
	_, err = svc.Ledger.Cast(ctx, item.ID, voter)
	require.NoError(t, err)

	_, err = svc.Ledger.Cast(ctx, item.ID, models.RoleContext{UserID: "guest-3", Role: models.RolePM})
	require.NoError(t, err)

	err = svc.Delete(ctx, voter, item.ID)
	assert.ErrorIs(t, err, ErrForbidden, "only the author or an admin may delete")

	require.NoError(t, svc.Delete(ctx, author, item.ID))

	_, err = svc.Get(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var count int64
	require.NoError(t, svc.DB.Model(&models.Vote{}).Where("feedback_id = ?", item.ID).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	assert.Contains(t, sink.names(), events.FeedbackDeleted)
}

func TestFindDuplicates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	existing, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, author, submitInput("Longer happy hour at the beach bar"))
	require.NoError(t, err)

	matches, err := svc.FindDuplicates(ctx, "Add passport scanning to kiosks", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, existing.ID, matches[0].Item.ID)
	assert.GreaterOrEqual(t, matches[0].Similarity, dedup.DefaultThreshold)
}

func TestFindDuplicatesByID(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	a, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)
	b, err := svc.Submit(ctx, author, submitInput("Add passport scanning to kiosks"))
	require.NoError(t, err)

	matches, err := svc.FindDuplicatesByID(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, b.ID, matches[0].Item.ID, "the probe item itself is excluded")

	_, err = svc.FindDuplicatesByID(ctx, "missing-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindDuplicatesSkipsMergedItems(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	mergedAway, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)
	require.NoError(t, svc.DB.Model(&models.FeedbackItem{}).
		Where("id = ?", mergedAway.ID).
		Update("state", models.StateMerged).Error)

	matches, err := svc.FindDuplicates(ctx, "Add passport scanning to kiosks", "")
	require.NoError(t, err)
	assert.Empty(t, matches, "merged items are out of the corpus")
}

func TestListWithStats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	a, err := svc.Submit(ctx, author, submitInput("Add passport scan at kiosk"))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, author, submitInput("Longer happy hour at the beach bar"))
	require.NoError(t, err)

	_, err = svc.Ledger.Cast(ctx, a.ID, models.RoleContext{UserID: "guest-2", Role: models.RolePO})
	require.NoError(t, err)

	items, err := svc.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byID := make(map[string]ItemWithStats)
	for _, it := range items {
		byID[it.ID] = it
	}
	assert.EqualValues(t, 1, byID[a.ID].Votes.Count)
	assert.InDelta(t, 2.5, byID[a.ID].Votes.TotalWeight, 1e-9)
}
