// Package event decodes inbound repository webhook payloads.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/splax/autodeploy/internal/hooks"
)

// ErrMalformedPayload is returned when a body is not a JSON object or lacks a
// field the dispatcher needs.
var ErrMalformedPayload = errors.New("malformed payload")

// Payload is a decoded webhook event. Raw keeps the full tree so hook paths can
// address any field; the typed fields are the ones resolution depends on.
type Payload struct {
	RepositoryName string
	RepositoryURL  string
	Ref            string
	Raw            map[string]any
}

// Summary carries descriptive fields used only for logging and history.
type Summary struct {
	CommitMessage string `json:"commit_message,omitempty"`
	CommitAuthor  string `json:"commit_author,omitempty"`
	BuildStatus   string `json:"build_status,omitempty"`
}

// Parse decodes body and validates the required fields.
func Parse(body []byte) (Payload, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw == nil {
		return Payload{}, fmt.Errorf("%w: body must be a JSON object", ErrMalformedPayload)
	}
	return FromMap(raw)
}

// FromMap validates an already decoded payload tree.
func FromMap(raw map[string]any) (Payload, error) {
	name, err := requiredString(raw, "repository.name")
	if err != nil {
		return Payload{}, err
	}
	url, err := requiredString(raw, "repository.url")
	if err != nil {
		return Payload{}, err
	}
	ref, err := requiredString(raw, "ref")
	if err != nil {
		return Payload{}, err
	}
	return Payload{RepositoryName: name, RepositoryURL: url, Ref: ref, Raw: raw}, nil
}

// Summary extracts the commit and build fields present in p.
func (p Payload) Summary() Summary {
	s := Summary{
		CommitMessage: firstString(p.Raw, "commit.message", "object_attributes.message"),
		CommitAuthor:  firstString(p.Raw, "commit.author_name", "user_name", "user.name"),
		BuildStatus:   firstString(p.Raw, "build_status", "object_attributes.status"),
	}
	if commits, ok := p.Raw["commits"].([]any); ok && len(commits) > 0 {
		head := commits[len(commits)-1]
		if s.CommitMessage == "" {
			s.CommitMessage = firstString(head, "message")
		}
		if s.CommitAuthor == "" {
			s.CommitAuthor = firstString(head, "author.name")
		}
	}
	s.CommitMessage = strings.TrimSpace(s.CommitMessage)
	return s
}

func requiredString(raw map[string]any, path string) (string, error) {
	value, ok := hooks.Lookup(raw, path)
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedPayload, path)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformedPayload, path)
	}
	if strings.TrimSpace(str) == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrMalformedPayload, path)
	}
	return str, nil
}

func firstString(obj any, paths ...string) string {
	for _, path := range paths {
		if value, ok := hooks.Lookup(obj, path); ok {
			if str, ok := value.(string); ok && str != "" {
				return str
			}
		}
	}
	return ""
}
