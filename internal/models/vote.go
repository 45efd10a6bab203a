package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DecayHalfLifeDays is the age at which a vote's weight contribution is halved
const DecayHalfLifeDays = 180.0

// Vote is a single user's vote on a feedback item. The (feedback_id, user_id)
// pair is unique at the database level so concurrent casts cannot both land.
// BaseWeight is frozen at cast time; the decayed weight is always derived.
type Vote struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	FeedbackID string    `json:"feedback_id" gorm:"not null;uniqueIndex:idx_votes_feedback_user" validate:"required"`
	UserID     string    `json:"user_id" gorm:"not null;uniqueIndex:idx_votes_feedback_user" validate:"required"`
	BaseWeight float64   `json:"base_weight" gorm:"not null"`
	CastAt     time.Time `json:"cast_at" gorm:"not null;index"`
}

func (v *Vote) BeforeCreate(tx *gorm.DB) (err error) {
	uuidV7, err := uuid.NewV7()
	if err != nil {
		return err
	}
	v.ID = uuidV7.String()

	if v.CastAt.IsZero() {
		v.CastAt = time.Now()
	}

	return
}

// DecayedWeight returns the vote's weight at the given instant:
// baseWeight halves every 180 days of age.
func (v *Vote) DecayedWeight(now time.Time) float64 {
	ageDays := now.Sub(v.CastAt).Hours() / 24
	if ageDays <= 0 {
		return v.BaseWeight
	}
	return v.BaseWeight * math.Pow(0.5, ageDays/DecayHalfLifeDays)
}
