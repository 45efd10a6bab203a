package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guestvoice-backend/internal/dedup"
	"guestvoice-backend/internal/events"
	"guestvoice-backend/internal/models"
	"guestvoice-backend/internal/moderation"
	"guestvoice-backend/internal/ratelimit"
	"guestvoice-backend/internal/redact"
	"guestvoice-backend/internal/votes"

	"gorm.io/gorm"
)

var (
	// ErrNotFound means the requested feedback item does not exist
	ErrNotFound = errors.New("feedback item not found")
	// ErrForbidden means the caller may not perform this action on the item
	ErrForbidden = errors.New("not allowed to perform this action")
	// ErrValidation means the input is malformed; nothing was applied
	ErrValidation = errors.New("invalid feedback input")
	// ErrEditWindowClosed means the 15 minute author edit window has passed
	ErrEditWindowClosed = errors.New("edit window has closed")
	// ErrIllegalTransition means the requested state change is not a legal edge
	ErrIllegalTransition = errors.New("illegal state transition")
)

// RateLimitError reports a blocked submission along with when the window
// frees up. It is a policy outcome, never applied partially.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

const (
	TitleMinLen = 8
	TitleMaxLen = 120
	BodyMinLen  = 20
	BodyMaxLen  = 5000
)

// Service runs the intake pipeline: rate limit, redact, score, persist.
// Duplicate detection and merge hang off it as read-only and privileged
// side operations.
type Service struct {
	DB             *gorm.DB
	Redactor       *redact.Redactor
	Scorer         moderation.Scorer
	Ledger         *votes.Ledger
	Limiter        *ratelimit.Limiter
	Events         events.Sink
	DedupThreshold float64
	DedupScanLimit int
}

type SubmitInput struct {
	Title     string `json:"title" validate:"required,min=8,max=120"`
	Body      string `json:"body" validate:"required,min=20,max=5000"`
	Area      string `json:"area"`
	VillageID string `json:"village_id"`
}

// Submit validates, rate limits, redacts and scores a submission, then
// persists it. Redaction and scoring complete before the row exists, so
// readers never see unscreened text.
func (s *Service) Submit(ctx context.Context, author models.RoleContext, in SubmitInput) (*models.FeedbackItem, error) {
	if err := validateLengths(in.Title, in.Body); err != nil {
		return nil, err
	}

	status, err := s.Limiter.Check(ctx, author.UserID, ratelimit.KindSubmission)
	if err != nil {
		return nil, fmt.Errorf("checking submission rate limit: %w", err)
	}
	if !status.Allowed {
		return nil, &RateLimitError{ResetAt: status.ResetAt}
	}

	title := s.Redactor.Redact(in.Title)
	body := s.Redactor.Redact(in.Body)
	hasPII := title.HasPII || body.HasPII

	score := s.Scorer.Score(title.Text + "\n" + body.Text)
	modStatus, signals := moderation.Decide(score, hasPII)

	item := &models.FeedbackItem{
		AuthorID:          author.UserID,
		Title:             title.Text,
		Body:              body.Text,
		Area:              in.Area,
		VillageID:         in.VillageID,
		State:             models.StateNew,
		ModerationStatus:  modStatus,
		ModerationSignals: signals,
	}
	if item.VillageID == "" {
		item.VillageID = author.VillageID
	}

	if err := s.DB.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("persisting feedback: %w", err)
	}

	if err := s.Limiter.Record(ctx, author.UserID, ratelimit.KindSubmission); err != nil {
		return nil, fmt.Errorf("recording submission: %w", err)
	}

	if s.Events != nil {
		s.Events.Emit(events.Event{
			Name: events.FeedbackCreated,
			Payload: map[string]interface{}{
				"feedback_id":       item.ID,
				"author_id":         author.UserID,
				"moderation_status": string(item.ModerationStatus),
				"has_pii":           hasPII,
			},
		})
	}

	return item, nil
}

// Update lets the author revise title/body inside the edit window. Edited
// text goes back through redaction and scoring.
func (s *Service) Update(ctx context.Context, actor models.RoleContext, id, title, body string) (*models.FeedbackItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.AuthorID != actor.UserID {
		return nil, ErrForbidden
	}
	if !item.EditableAt(time.Now()) {
		return nil, ErrEditWindowClosed
	}
	if err := validateLengths(title, body); err != nil {
		return nil, err
	}

	rt := s.Redactor.Redact(title)
	rb := s.Redactor.Redact(body)
	hasPII := rt.HasPII || rb.HasPII

	score := s.Scorer.Score(rt.Text + "\n" + rb.Text)
	modStatus, signals := moderation.Decide(score, hasPII)

	item.Title = rt.Text
	item.Body = rb.Text
	item.ModerationStatus = modStatus
	item.ModerationSignals = signals

	if err := s.DB.WithContext(ctx).Save(item).Error; err != nil {
		return nil, fmt.Errorf("updating feedback: %w", err)
	}
	return item, nil
}

// Transition performs a manual state change (triage, roadmap, close).
func (s *Service) Transition(ctx context.Context, actor models.RoleContext, id string, to models.FeedbackState) (*models.FeedbackItem, error) {
	if !actor.Role.CanTriage() {
		return nil, ErrForbidden
	}

	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.CanTransition(to) {
		return nil, ErrIllegalTransition
	}

	item.State = to
	if err := s.DB.WithContext(ctx).Save(item).Error; err != nil {
		return nil, fmt.Errorf("transitioning feedback: %w", err)
	}
	return item, nil
}

// Delete removes the item and its votes in one transaction. Only the
// author or an admin may delete.
func (s *Service) Delete(ctx context.Context, actor models.RoleContext, id string) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.AuthorID != actor.UserID && actor.Role != models.RoleAdmin {
		return ErrForbidden
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("feedback_id = ?", id).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.FeedbackItem{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("deleting feedback: %w", err)
	}

	if s.Events != nil {
		s.Events.Emit(events.Event{
			Name: events.FeedbackDeleted,
			Payload: map[string]interface{}{
				"feedback_id": id,
				"actor_id":    actor.UserID,
			},
		})
	}

	return nil
}

// Get fetches a single item.
func (s *Service) Get(ctx context.Context, id string) (*models.FeedbackItem, error) {
	item, err := models.GetFeedbackByID(s.DB.WithContext(ctx), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading feedback: %w", err)
	}
	return item, nil
}

// ItemWithStats pairs an item with its aggregated vote stats
type ItemWithStats struct {
	models.FeedbackItem
	Votes votes.Stats `json:"votes"`
}

// List returns items newest first with vote stats resolved in a single
// batch pass over the votes table.
func (s *Service) List(ctx context.Context, limit int) ([]ItemWithStats, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var items []models.FeedbackItem
	if err := s.DB.WithContext(ctx).
		Where("state <> ?", models.StateMerged).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing feedback: %w", err)
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	stats, err := s.Ledger.StatsFor(ctx, ids, time.Now())
	if err != nil {
		return nil, err
	}

	out := make([]ItemWithStats, len(items))
	for i, it := range items {
		out[i] = ItemWithStats{FeedbackItem: it, Votes: stats[it.ID]}
	}
	return out, nil
}

// FindDuplicatesByID ranks near-duplicates of an existing item's title.
func (s *Service) FindDuplicatesByID(ctx context.Context, id string) ([]dedup.Match, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.FindDuplicates(ctx, item.Title, item.ID)
}

// FindDuplicates scans the active corpus for titles similar to the probe.
// Read-only: merge decisions stay with a human caller. The corpus scan is
// bounded so an unbounded table cannot be walked.
func (s *Service) FindDuplicates(ctx context.Context, title, excludeID string) ([]dedup.Match, error) {
	threshold := s.DedupThreshold
	if threshold == 0 {
		threshold = dedup.DefaultThreshold
	}
	scanLimit := s.DedupScanLimit
	if scanLimit <= 0 {
		scanLimit = 500
	}

	var corpus []models.FeedbackItem
	query := s.DB.WithContext(ctx).
		Where("state <> ?", models.StateMerged).
		Order("created_at DESC").
		Limit(scanLimit)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	if err := query.Find(&corpus).Error; err != nil {
		return nil, fmt.Errorf("loading dedup corpus: %w", err)
	}

	// Vote counts are only needed for candidates that clear the threshold
	var aboveThreshold []models.FeedbackItem
	for _, c := range corpus {
		if dedup.Dice(title, c.Title) >= threshold {
			aboveThreshold = append(aboveThreshold, c)
		}
	}

	ids := make([]string, len(aboveThreshold))
	for i, c := range aboveThreshold {
		ids[i] = c.ID
	}
	stats, err := s.Ledger.StatsFor(ctx, ids, time.Now())
	if err != nil {
		return nil, err
	}

	candidates := make([]dedup.Candidate, len(aboveThreshold))
	for i, c := range aboveThreshold {
		candidates[i] = dedup.Candidate{Item: c, VoteCount: stats[c.ID].Count}
	}

	return dedup.Rank(title, candidates, excludeID, threshold), nil
}

func validateLengths(title, body string) error {
	titleLen := len([]rune(title))
	bodyLen := len([]rune(body))
	if titleLen < TitleMinLen || titleLen > TitleMaxLen {
		return fmt.Errorf("%w: title must be %d-%d characters", ErrValidation, TitleMinLen, TitleMaxLen)
	}
	if bodyLen < BodyMinLen || bodyLen > BodyMaxLen {
		return fmt.Errorf("%w: body must be %d-%d characters", ErrValidation, BodyMinLen, BodyMaxLen)
	}
	return nil
}
