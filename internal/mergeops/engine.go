package mergeops

import (
	"context"
	"errors"
	"fmt"

	"guestvoice-backend/internal/events"
	"guestvoice-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound means the source or target item does not exist
	ErrNotFound = errors.New("feedback item not found")
	// ErrForbidden means the acting role lacks merge privilege
	ErrForbidden = errors.New("role is not allowed to merge feedback")
	// ErrAlreadyMerged means the source was merged away previously
	ErrAlreadyMerged = errors.New("source feedback is already merged")
	// ErrCircularMerge means the merge would create a duplicate-of cycle
	ErrCircularMerge = errors.New("merge would create a circular duplicate chain")
	// ErrMergeFailed wraps a datastore failure after preconditions passed;
	// the transaction is fully rolled back when it is returned.
	ErrMergeFailed = errors.New("merge transaction failed")
)

// maxChainDepth bounds the duplicate-of walk; chains anywhere near this
// deep indicate corrupted data rather than real consolidation history.
const maxChainDepth = 64

// Result reports how many source votes moved to the target
type Result struct {
	VotesMigrated int `json:"votes_migrated"`
}

// Engine consolidates a duplicate feedback item into a canonical target,
// migrating its votes in one transaction.
type Engine struct {
	db     *gorm.DB
	events events.Sink
}

func NewEngine(db *gorm.DB, sink events.Sink) *Engine {
	return &Engine{db: db, events: sink}
}

// Merge folds source into target. Both rows and every migrated vote are
// covered by a single transaction; a failure at any step rolls the whole
// operation back so no half-migrated state is ever observable.
//
// When a user voted on both items only the vote with the greater base
// weight survives.
func (e *Engine) Merge(ctx context.Context, sourceID, targetID string, actor models.RoleContext) (Result, error) {
	if !actor.Role.CanMerge() {
		return Result{}, ErrForbidden
	}
	if sourceID == targetID {
		return Result{}, ErrCircularMerge
	}

	var migrated int

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var source, target models.FeedbackItem

		// Lock both rows for the duration of the migration
		locked := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Session(&gorm.Session{})
		if err := locked.Where("id = ?", sourceID).First(&source).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: locking source: %v", ErrMergeFailed, err)
		}
		if err := locked.Where("id = ?", targetID).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: locking target: %v", ErrMergeFailed, err)
		}

		if source.State == models.StateMerged {
			return ErrAlreadyMerged
		}

		if err := e.checkNoCycle(tx, source.ID, &target); err != nil {
			return err
		}

		var sourceVotes, targetVotes []models.Vote
		if err := tx.Where("feedback_id = ?", source.ID).Find(&sourceVotes).Error; err != nil {
			return fmt.Errorf("%w: loading source votes: %v", ErrMergeFailed, err)
		}
		if err := tx.Where("feedback_id = ?", target.ID).Find(&targetVotes).Error; err != nil {
			return fmt.Errorf("%w: loading target votes: %v", ErrMergeFailed, err)
		}

		targetByUser := make(map[string]models.Vote, len(targetVotes))
		for _, v := range targetVotes {
			targetByUser[v.UserID] = v
		}

		for _, sv := range sourceVotes {
			tv, collision := targetByUser[sv.UserID]
			if !collision {
				if err := tx.Model(&models.Vote{}).
					Where("id = ?", sv.ID).
					Update("feedback_id", target.ID).Error; err != nil {
					return fmt.Errorf("%w: migrating vote: %v", ErrMergeFailed, err)
				}
				migrated++
				continue
			}

			// Same user voted on both: keep the greater base weight
			if sv.BaseWeight > tv.BaseWeight {
				if err := tx.Delete(&models.Vote{}, "id = ?", tv.ID).Error; err != nil {
					return fmt.Errorf("%w: dropping superseded target vote: %v", ErrMergeFailed, err)
				}
				if err := tx.Model(&models.Vote{}).
					Where("id = ?", sv.ID).
					Update("feedback_id", target.ID).Error; err != nil {
					return fmt.Errorf("%w: migrating vote: %v", ErrMergeFailed, err)
				}
			} else {
				if err := tx.Delete(&models.Vote{}, "id = ?", sv.ID).Error; err != nil {
					return fmt.Errorf("%w: dropping superseded source vote: %v", ErrMergeFailed, err)
				}
			}
		}

		source.State = models.StateMerged
		source.DuplicateOfID = &target.ID
		if err := tx.Save(&source).Error; err != nil {
			return fmt.Errorf("%w: marking source merged: %v", ErrMergeFailed, err)
		}

		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if e.events != nil {
		e.events.Emit(events.Event{
			Name: events.FeedbackMerged,
			Payload: map[string]interface{}{
				"source_id":      sourceID,
				"target_id":      targetID,
				"actor_id":       actor.UserID,
				"votes_migrated": migrated,
			},
		})
	}

	return Result{VotesMigrated: migrated}, nil
}

// checkNoCycle walks the duplicate-of chain upward from target. If the
// chain reaches source, marking source as a duplicate of target would
// close a loop.
func (e *Engine) checkNoCycle(tx *gorm.DB, sourceID string, target *models.FeedbackItem) error {
	current := target
	for depth := 0; depth < maxChainDepth; depth++ {
		if current.ID == sourceID {
			return ErrCircularMerge
		}
		if current.DuplicateOfID == nil {
			return nil
		}
		var next models.FeedbackItem
		if err := tx.Where("id = ?", *current.DuplicateOfID).First(&next).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Dangling pointer terminates the chain
				return nil
			}
			return fmt.Errorf("%w: walking duplicate chain: %v", ErrMergeFailed, err)
		}
		current = &next
	}
	return ErrCircularMerge
}
