package votes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guestvoice-backend/internal/events"
	"guestvoice-backend/internal/models"

	"gorm.io/gorm"
)

var (
	// ErrAlreadyVoted means the (feedback, user) pair already holds a vote
	ErrAlreadyVoted = errors.New("user has already voted on this feedback")
	// ErrVoteNotFound means there is no vote to remove for the pair
	ErrVoteNotFound = errors.New("vote not found")
	// ErrFeedbackNotFound means the voted-on feedback item does not exist
	ErrFeedbackNotFound = errors.New("feedback item not found")
)

// PanelBoost is added to the base role weight when the voter sits on a
// research panel covering the item's feature area.
const PanelBoost = 0.5

// roleWeights is the base weight table per acting role
var roleWeights = map[models.Role]float64{
	models.RoleUser:       1.0,
	models.RolePM:         2.0,
	models.RolePO:         2.5,
	models.RoleResearcher: 1.5,
}

// Stats aggregates a feedback item's votes at a point in time
type Stats struct {
	Count              int64   `json:"count"`
	TotalWeight        float64 `json:"total_weight"`
	TotalDecayedWeight float64 `json:"total_decayed_weight"`
}

// Ledger records, weights and aggregates votes. Weight decay is derived
// at read time from each vote's cast timestamp, never stored.
type Ledger struct {
	db             *gorm.DB
	villageWeights map[string]float64
	events         events.Sink
}

func NewLedger(db *gorm.DB, villageWeights map[string]float64, sink events.Sink) *Ledger {
	return &Ledger{db: db, villageWeights: villageWeights, events: sink}
}

// WeightFor computes the frozen base weight for a vote: role weight, plus
// the panel boost when the voter covers the item's area, scaled by the
// priority multiplier of the item's village.
func (l *Ledger) WeightFor(rc models.RoleContext, item *models.FeedbackItem) float64 {
	weight, ok := roleWeights[rc.Role]
	if !ok {
		weight = 1.0
	}
	if rc.OnPanel(item.Area) {
		weight += PanelBoost
	}
	if m, ok := l.villageWeights[item.VillageID]; ok {
		weight *= m
	}
	return weight
}

// Cast records a vote for the user on the feedback item. Uniqueness is
// enforced by the composite index on votes, not by a prior existence
// check, so two concurrent casts cannot both succeed.
func (l *Ledger) Cast(ctx context.Context, feedbackID string, rc models.RoleContext) (*models.Vote, error) {
	item, err := models.GetFeedbackByID(l.db.WithContext(ctx), feedbackID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFeedbackNotFound
		}
		return nil, fmt.Errorf("loading feedback: %w", err)
	}

	vote := &models.Vote{
		FeedbackID: feedbackID,
		UserID:     rc.UserID,
		BaseWeight: l.WeightFor(rc, item),
		CastAt:     time.Now(),
	}

	result := l.db.WithContext(ctx).Create(vote)
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return nil, ErrAlreadyVoted
	}
	if result.Error != nil {
		return nil, fmt.Errorf("creating vote: %w", result.Error)
	}

	if l.events != nil {
		l.events.Emit(events.Event{
			Name: events.VoteCast,
			Payload: map[string]interface{}{
				"feedback_id": feedbackID,
				"user_id":     rc.UserID,
				"base_weight": vote.BaseWeight,
			},
		})
	}

	return vote, nil
}

// Unvote removes the user's vote from the feedback item.
func (l *Ledger) Unvote(ctx context.Context, feedbackID, userID string) error {
	result := l.db.WithContext(ctx).
		Where("feedback_id = ? AND user_id = ?", feedbackID, userID).
		Delete(&models.Vote{})
	if result.Error != nil {
		return fmt.Errorf("deleting vote: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVoteNotFound
	}

	if l.events != nil {
		l.events.Emit(events.Event{
			Name: events.VoteRemoved,
			Payload: map[string]interface{}{
				"feedback_id": feedbackID,
				"user_id":     userID,
			},
		})
	}

	return nil
}

// StatsFor aggregates votes for a set of feedback ids in one query, so
// listing N items costs one round trip instead of N.
func (l *Ledger) StatsFor(ctx context.Context, feedbackIDs []string, now time.Time) (map[string]Stats, error) {
	stats := make(map[string]Stats, len(feedbackIDs))
	for _, id := range feedbackIDs {
		stats[id] = Stats{}
	}
	if len(feedbackIDs) == 0 {
		return stats, nil
	}

	var allVotes []models.Vote
	if err := l.db.WithContext(ctx).
		Where("feedback_id IN ?", feedbackIDs).
		Find(&allVotes).Error; err != nil {
		return nil, fmt.Errorf("loading votes: %w", err)
	}

	for _, v := range allVotes {
		s := stats[v.FeedbackID]
		s.Count++
		s.TotalWeight += v.BaseWeight
		s.TotalDecayedWeight += v.DecayedWeight(now)
		stats[v.FeedbackID] = s
	}

	return stats, nil
}

// CountFor returns the number of votes on a single feedback item.
func (l *Ledger) CountFor(ctx context.Context, feedbackID string) (int64, error) {
	var count int64
	if err := l.db.WithContext(ctx).
		Model(&models.Vote{}).
		Where("feedback_id = ?", feedbackID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting votes: %w", err)
	}
	return count, nil
}
