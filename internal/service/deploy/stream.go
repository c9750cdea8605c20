package deploy

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Broadcaster publishes a payload to subscribers of a repository.
type Broadcaster interface {
	Broadcast(repository string, payload []byte)
}

// StreamEvent is the message pushed to /ws/deploys and /events/deploys
// subscribers.
type StreamEvent struct {
	Type       string    `json:"type"`
	AttemptID  string    `json:"attempt_id"`
	Repository string    `json:"repository"`
	Ref        string    `json:"ref"`
	Step       *Step     `json:"step,omitempty"`
	State      State     `json:"state,omitempty"`
	Path       Path      `json:"path,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream forwards stage and result events to a Broadcaster.
type Stream struct {
	hub    Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

// NewStream returns an observer publishing to hub.
func NewStream(hub Broadcaster, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{hub: hub, logger: logger, now: time.Now}
}

// StageCompleted implements StageObserver.
func (s *Stream) StageCompleted(a Attempt, step Step) {
	s.publish(a, StreamEvent{Type: "step", Step: &step})
}

// AttemptFinished implements ResultObserver.
func (s *Stream) AttemptFinished(a Attempt, r Result) {
	s.publish(a, StreamEvent{Type: "result", State: r.State, Path: r.Path, Error: r.Error()})
}

func (s *Stream) publish(a Attempt, ev StreamEvent) {
	if s == nil || s.hub == nil {
		return
	}
	ev.AttemptID = a.ID
	ev.Repository = a.Repository
	ev.Ref = a.Ref
	ev.Timestamp = s.now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encoding stream event failed", "attempt_id", a.ID, "error", err)
		return
	}
	s.hub.Broadcast(a.Repository, payload)
}
