package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FeedbackState is the lifecycle state of a feedback item
type FeedbackState string

const (
	StateNew       FeedbackState = "new"
	StateTriaged   FeedbackState = "triaged"
	StateMerged    FeedbackState = "merged"
	StateInRoadmap FeedbackState = "in_roadmap"
	StateClosed    FeedbackState = "closed"
)

// ModerationStatus is the outcome of the automatic moderation pass
type ModerationStatus string

const (
	ModerationAutoPending ModerationStatus = "auto_pending"
	ModerationApproved    ModerationStatus = "approved"
	ModerationRejected    ModerationStatus = "rejected"
	ModerationNeedsInfo   ModerationStatus = "needs_info"
)

// ModerationSignal flags why an item was held for review
type ModerationSignal string

const (
	SignalToxicity ModerationSignal = "toxicity"
	SignalSpam     ModerationSignal = "spam"
	SignalPII      ModerationSignal = "pii"
	SignalOffTopic ModerationSignal = "off_topic"
)

// SignalSet is stored as a JSON array column
type SignalSet []ModerationSignal

func (s SignalSet) Has(sig ModerationSignal) bool {
	for _, v := range s {
		if v == sig {
			return true
		}
	}
	return false
}

func (s SignalSet) With(sig ModerationSignal) SignalSet {
	if s.Has(sig) {
		return s
	}
	return append(s, sig)
}

// EditWindowDuration is how long after creation the author may still edit title/body
const EditWindowDuration = 15 * time.Minute

// FeedbackItem is a guest/staff product feedback submission.
// Title and body are stored post-redaction; raw input never hits the database.
type FeedbackItem struct {
	ID                string           `json:"id" gorm:"primaryKey"`
	AuthorID          string           `gorm:"not null;index" json:"author_id" validate:"required"`
	Title             string           `gorm:"not null" json:"title" validate:"required,min=8,max=120"`
	Body              string           `gorm:"not null" json:"body" validate:"required,min=20,max=5000"`
	Area              string           `json:"area" gorm:"index"` // feature area, matched against panel memberships
	VillageID         string           `json:"village_id" gorm:"index"`
	State             FeedbackState    `json:"state" gorm:"type:varchar(20);not null;default:new;index"`
	ModerationStatus  ModerationStatus `json:"moderation_status" gorm:"type:varchar(20);not null;default:auto_pending"`
	ModerationSignals SignalSet        `json:"moderation_signals" gorm:"serializer:json"`
	DuplicateOfID     *string          `json:"duplicate_of_id,omitempty" gorm:"index"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	EditWindowEndsAt  time.Time        `json:"edit_window_ends_at"`
}

func (f *FeedbackItem) BeforeCreate(tx *gorm.DB) (err error) {
	// Using uuid v7 to be indexable with B-tree and sortable by creation time
	uuidV7, err := uuid.NewV7()
	if err != nil {
		return err
	}
	f.ID = uuidV7.String()

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.EditWindowEndsAt = f.CreatedAt.Add(EditWindowDuration)

	return
}

// EditableAt reports whether the author edit window is still open
func (f *FeedbackItem) EditableAt(now time.Time) bool {
	return now.Before(f.EditWindowEndsAt)
}

// allowedTransitions holds the legal edges for manual state changes.
// Merging is excluded on purpose, it only happens through the merge engine.
var allowedTransitions = map[FeedbackState][]FeedbackState{
	StateNew:       {StateTriaged, StateClosed},
	StateTriaged:   {StateInRoadmap, StateClosed},
	StateInRoadmap: {StateClosed},
}

// CanTransition reports whether a manual state transition is legal
func (f *FeedbackItem) CanTransition(to FeedbackState) bool {
	for _, s := range allowedTransitions[f.State] {
		if s == to {
			return true
		}
	}
	return false
}

func GetFeedbackByID(db *gorm.DB, id string) (*FeedbackItem, error) {
	var item FeedbackItem
	if err := db.Where("id = ?", id).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}
