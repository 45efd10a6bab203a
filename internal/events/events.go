package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// Event names emitted by the pipeline
const (
	FeedbackCreated = "feedback.created"
	FeedbackMerged  = "feedback.merged"
	FeedbackDeleted = "feedback.deleted"
	VoteCast        = "vote.cast"
	VoteRemoved     = "vote.removed"
)

// Event is a structured audit record
type Event struct {
	Name    string                 `json:"name"`
	At      time.Time              `json:"at"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Sink accepts fire-and-forget events. Emit must never block the caller
// and must never surface a failure into the calling operation.
type Sink interface {
	Emit(event Event)
}

// LogSink writes events to the application log. Default sink when Redis
// is not configured.
type LogSink struct {
	Logger echo.Logger
}

func NewLogSink(logger echo.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	go func() {
		defer func() { _ = recover() }()
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		s.Logger.Infof("event %s", payload)
	}()
}

// RedisSink publishes events on a pub/sub channel for downstream
// consumers (audit trail, escalation queue).
type RedisSink struct {
	Client  *redis.Client
	Channel string
	Logger  echo.Logger
}

func NewRedisSink(client *redis.Client, channel string, logger echo.Logger) *RedisSink {
	return &RedisSink{Client: client, Channel: channel, Logger: logger}
}

func (s *RedisSink) Emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	go func() {
		defer func() { _ = recover() }()
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Client.Publish(ctx, s.Channel, payload).Err(); err != nil && s.Logger != nil {
			s.Logger.Warnf("failed to publish event %s: %v", event.Name, err)
		}
	}()
}
