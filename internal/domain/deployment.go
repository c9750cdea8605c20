package domain

import (
	"encoding/json"
	"time"
)

// Deployment status values.
const (
	DeploymentRunning = "running"
	DeploymentSuccess = "success"
	DeploymentFailed  = "failed"
)

// Deployment captures a single deploy attempt for a repository target.
type Deployment struct {
	ID            string          `json:"id"`
	Repository    string          `json:"repository"`
	Ref           string          `json:"ref"`
	TargetURL     string          `json:"target_url"`
	CommitMessage string          `json:"commit_message,omitempty"`
	CommitAuthor  string          `json:"commit_author,omitempty"`
	Status        string          `json:"status"`
	Path          string          `json:"path,omitempty"`
	Steps         json.RawMessage `json:"steps,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// DeploymentCompletion captures the terminal fields of a deployment.
type DeploymentCompletion struct {
	DeploymentID string
	Status       string
	Path         string
	Steps        json.RawMessage
	Error        string
	CompletedAt  time.Time
}
