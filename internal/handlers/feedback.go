package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"guestvoice-backend/internal/common"
	"guestvoice-backend/internal/feedback"
	"guestvoice-backend/internal/mergeops"
	"guestvoice-backend/internal/models"
	"guestvoice-backend/internal/ratelimit"
	"guestvoice-backend/internal/votes"

	"github.com/labstack/echo/v4"
)

type FeedbackHandler struct {
	common.ServerState
}

func NewFeedbackHandler(state common.ServerState) *FeedbackHandler {
	return &FeedbackHandler{ServerState: state}
}

type SubmitRequest struct {
	Title     string `json:"title" validate:"required,min=8,max=120"`
	Body      string `json:"body" validate:"required,min=20,max=5000"`
	Area      string `json:"area"`
	VillageID string `json:"village_id"`
}

type UpdateRequest struct {
	Title string `json:"title" validate:"required,min=8,max=120"`
	Body  string `json:"body" validate:"required,min=20,max=5000"`
}

type TransitionRequest struct {
	State string `json:"state" validate:"required"`
}

type MergeRequest struct {
	TargetID string `json:"target_id" validate:"required"`
}

// Submit runs the intake pipeline for one submission
func (h *FeedbackHandler) Submit(c echo.Context) error {
	rc, err := h.JwtIssuer.Identity(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	req := new(SubmitRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	item, err := h.Feedback.Submit(c.Request().Context(), rc, feedback.SubmitInput{
		Title:     req.Title,
		Body:      req.Body,
		Area:      req.Area,
		VillageID: req.VillageID,
	})
	if err != nil {
		var rle *feedback.RateLimitError
		switch {
		case errors.As(err, &rle):
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"error":    "rate limit exceeded",
				"reset_at": rle.ResetAt,
			})
		case errors.Is(err, feedback.ErrValidation):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			c.Logger().Errorf("submit failed: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit feedback")
		}
	}

	submissionsTotal.WithLabelValues(string(item.ModerationStatus)).Inc()

	return c.JSON(http.StatusCreated, item)
}

// Get returns one item with its vote stats
func (h *FeedbackHandler) Get(c echo.Context) error {
	item, err := h.Feedback.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, feedback.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "feedback not found")
		}
		c.Logger().Errorf("get feedback failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load feedback")
	}

	stats, err := h.Ledger.StatsFor(c.Request().Context(), []string{item.ID}, time.Now())
	if err != nil {
		c.Logger().Errorf("loading vote stats failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load vote stats")
	}

	return c.JSON(http.StatusOK, feedback.ItemWithStats{
		FeedbackItem: *item,
		Votes:        stats[item.ID],
	})
}

// List returns active items, newest first, with batched vote stats
func (h *FeedbackHandler) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	items, err := h.Feedback.List(c.Request().Context(), limit)
	if err != nil {
		c.Logger().Errorf("list feedback failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list feedback")
	}
	return c.JSON(http.StatusOK, items)
}

// Update revises title/body inside the author's edit window
func (h *FeedbackHandler) Update(c echo.Context) error {
	rc, err := h.JwtIssuer.Identity(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	req := new(UpdateRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	item, err := h.Feedback.Update(c.Request().Context(), rc, c.Param("id"), req.Title, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "feedback not found")
		case errors.Is(err, feedback.ErrForbidden):
			return echo.NewHTTPError(http.StatusForbidden, "only the author may edit")
		case errors.Is(err, feedback.ErrEditWindowClosed):
			return echo.NewHTTPError(http.StatusConflict, "edit window has closed")
		case errors.Is(err, feedback.ErrValidation):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			c.Logger().Errorf("update feedback failed: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to update feedback")
		}
	}
	return c.JSON(http.StatusOK, item)
}

// Transition performs a manual state change (triage, roadmap, close)
func (h *FeedbackHandler) Transition(c echo.Context) error {
	rc, err := h.JwtIssuer.Identity(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	req := new(TransitionRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	item, err := h.Feedback.Transition(c.Request().Context(), rc, c.Param("id"), models.FeedbackState(req.State))
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "feedback not found")
		case errors.Is(err, feedback.ErrForbidden):
			return echo.NewHTTPError(http.StatusForbidden, "role may not triage feedback")
		case errors.Is(err, feedback.ErrIllegalTransition):
			return echo.NewHTTPError(http.StatusConflict, "illegal state transition")
		default:
			c.Logger().Errorf("transition failed: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to transition feedback")
		}
	}
	return c.JSON(http.StatusOK, item)
}

// Delete removes an item and its votes
func (h *FeedbackHandler) Delete(c echo.Context) error {
	rc, err := h.JwtIssuer.Identity(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	if err := h.Feedback.Delete(c.Request().Context(), rc, c.Param("id")); err != nil {
		switch {
		case errors.Is(err, feedback.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "feedback not found")
		case errors.Is(err, feedback.ErrForbidden):
			return echo.NewHTTPError(http.StatusForbidden, "only the author or an admin may delete")
		default:
			c.Logger().Errorf("delete feedback failed: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete feedback")
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// Vote casts the caller's vote and returns it with updated stats
func (h *FeedbackHandler) Vote(c echo.Context) error {
	rc, err := h.JwtIssuer.Identity(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	feedbackID := c.Param("id")
	vote, err := h.Ledger.Cast(c.Request().Context(), feedbackID, rc)
	if err != nil {
		switch {
		case errors.Is(err, votes.ErrAlreadyVoted):
			return echo.NewHTTPError(http.StatusConflict, "already voted on this feedback")
		case errors.Is(err, votes.ErrFeedbackNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "feedback not found")
		default:
			c.Logger().Errorf("cast vote failed: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to cast vote")
		}
	}

	votesCastTotal.Inc()

	stats, err := h.Ledger.StatsFor(c.Request().Context(), []string{feedbackID}, time.Now())
	if err != nil {
		c.Logger().Errorf("loading vote stats failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load vote stats")
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"vote":  vote,
		"stats": stats[feedbackID],
	})
}

// Unvote removes the caller's vote
func (h *FeedbackHandler) Unvote(c echo.Context) error {
	rc, err := h.JwtIssuer.Identity(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	if err := h.Ledger.Unvote(c.Request().Context(), c.Param("id"), rc.UserID); err != nil {
		if errors.Is(err, votes.ErrVoteNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no vote to remove")
		}
		c.Logger().Errorf("unvote failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to remove vote")
	}

	votesRemovedTotal.Inc()

	return c.NoContent(http.StatusNoContent)
}

// Duplicates ranks near-duplicate titles for an item (or a probe title)
func (h *FeedbackHandler) Duplicates(c echo.Context) error {
	ctx := c.Request().Context()

	if title := c.QueryParam("title"); title != "" {
		matches, err := h.Feedback.FindDuplicates(ctx, title, "")
		if err != nil {
			c.Logger().Errorf("duplicate search failed: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to search duplicates")
		}
		return c.JSON(http.StatusOK, matches)
	}

	matches, err := h.Feedback.FindDuplicatesByID(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, feedback.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "feedback not found")
		}
		c.Logger().Errorf("duplicate search failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to search duplicates")
	}
	return c.JSON(http.StatusOK, matches)
}

// Merge consolidates the item into a canonical target
func (h *FeedbackHandler) Merge(c echo.Context) error {
	rc, err := h.JwtIssuer.Identity(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	req := new(MergeRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.Merger.Merge(c.Request().Context(), c.Param("id"), req.TargetID, rc)
	if err != nil {
		switch {
		case errors.Is(err, mergeops.ErrForbidden):
			return echo.NewHTTPError(http.StatusForbidden, "role may not merge feedback")
		case errors.Is(err, mergeops.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "feedback not found")
		case errors.Is(err, mergeops.ErrAlreadyMerged):
			return echo.NewHTTPError(http.StatusConflict, "source is already merged")
		case errors.Is(err, mergeops.ErrCircularMerge):
			return echo.NewHTTPError(http.StatusConflict, "merge would create a cycle")
		default:
			c.Logger().Errorf("merge failed: %v", err)
			CaptureError(err)
			return echo.NewHTTPError(http.StatusInternalServerError, "merge failed")
		}
	}

	mergesTotal.Inc()

	return c.JSON(http.StatusOK, result)
}

// UploadSlot guards the (external) upload flow: checks the upload window
// and records the slot when granted.
func (h *FeedbackHandler) UploadSlot(c echo.Context) error {
	rc, err := h.JwtIssuer.Identity(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	ctx := c.Request().Context()
	status, err := h.Limiter.Check(ctx, rc.UserID, ratelimit.KindUpload)
	if err != nil {
		c.Logger().Errorf("upload rate check failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to check upload limit")
	}
	if !status.Allowed {
		return c.JSON(http.StatusTooManyRequests, status)
	}

	if err := h.Limiter.Record(ctx, rc.UserID, ratelimit.KindUpload); err != nil {
		c.Logger().Errorf("upload rate record failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record upload")
	}

	return c.JSON(http.StatusOK, status)
}
