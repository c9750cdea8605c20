// Package deploy runs deploy attempts for qualifying repository events.
//
// A Service turns an event into a Decision. Queued attempts run in the
// background, one at a time per repository, through an Orchestrator that
// mirrors the source repository into the deploy remote.
package deploy

import (
	"encoding/json"
	"time"

	"github.com/splax/autodeploy/internal/git"
)

// State is the terminal state of an attempt.
type State string

const (
	StateDone   State = "done"
	StateFailed State = "failed"
)

// Path records which branch of the state machine an attempt took.
type Path string

const (
	// PathFreshClone means clone succeeded and the deploy remote was added.
	PathFreshClone Path = "fresh_clone"
	// PathExistingCopy means clone failed, so the working copy was pulled.
	PathExistingCopy Path = "existing_copy"
)

// Attempt is the immutable input of one deploy run.
type Attempt struct {
	ID            string    `json:"attempt_id"`
	Repository    string    `json:"repository"`
	Ref           string    `json:"ref"`
	OriginURL     string    `json:"origin_url"`
	RemoteName    string    `json:"remote_name"`
	DeployURL     string    `json:"deploy_url"`
	Branch        string    `json:"branch"`
	CommitMessage string    `json:"commit_message,omitempty"`
	CommitAuthor  string    `json:"commit_author,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Step is one completed stage.
type Step struct {
	Stage      git.Op        `json:"stage"`
	ExitStatus int           `json:"exit_status"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Tolerated  bool          `json:"tolerated,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`

	timedOut bool
}

// OK reports a zero exit status.
func (s Step) OK() bool {
	return s.ExitStatus == 0 && s.Error == ""
}

// Result is the outcome of Orchestrator.Deploy.
type Result struct {
	AttemptID string        `json:"attempt_id"`
	State     State         `json:"state"`
	Path      Path          `json:"path,omitempty"`
	Steps     []Step        `json:"steps"`
	Err       error         `json:"-"`
	Duration  time.Duration `json:"-"`
}

// Succeeded reports whether the final push went through.
func (r Result) Succeeded() bool {
	return r.State == StateDone
}

// Error returns the failure text, empty on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func (r Result) stepsJSON() json.RawMessage {
	if len(r.Steps) == 0 {
		return nil
	}
	raw, err := json.Marshal(r.Steps)
	if err != nil {
		return nil
	}
	return raw
}

// StageObserver is told about every completed stage.
type StageObserver interface {
	StageCompleted(a Attempt, s Step)
}

// ResultObserver is told when an attempt reaches a terminal state. Observers
// registered with a Service may implement it alongside StageObserver.
type ResultObserver interface {
	AttemptFinished(a Attempt, r Result)
}

// StageObserverFunc adapts a function to StageObserver.
type StageObserverFunc func(Attempt, Step)

// StageCompleted calls f.
func (f StageObserverFunc) StageCompleted(a Attempt, s Step) {
	f(a, s)
}
