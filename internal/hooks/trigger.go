package hooks

import "sort"

// Result describes how a single hook fared against a payload.
type Result struct {
	Path     string `json:"path"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual,omitempty"`
	Present  bool   `json:"present"`
	Matched  bool   `json:"matched"`
}

// Evaluation is the per-hook breakdown of a trigger decision.
type Evaluation struct {
	Triggered bool     `json:"triggered"`
	Results   []Result `json:"results"`
}

// Mismatches returns the hooks that did not match.
func (e Evaluation) Mismatches() []Result {
	var out []Result
	for _, r := range e.Results {
		if !r.Matched {
			out = append(out, r)
		}
	}
	return out
}

// IsTriggered reports whether every hook matches payload. An empty hook set
// matches any payload.
func IsTriggered(payload any, hooks map[string]any) bool {
	for path, expected := range hooks {
		if !ExistsAndEquals(payload, path, expected) {
			return false
		}
	}
	return true
}

// Evaluate checks every hook, in path order, and records each outcome.
// Triggered always agrees with IsTriggered.
func Evaluate(payload any, hooks map[string]any) Evaluation {
	paths := make([]string, 0, len(hooks))
	for path := range hooks {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	eval := Evaluation{Triggered: true, Results: make([]Result, 0, len(paths))}
	for _, path := range paths {
		expected := hooks[path]
		actual, present := Lookup(payload, path)
		matched := present && equal(actual, expected)
		if !matched {
			eval.Triggered = false
		}
		eval.Results = append(eval.Results, Result{
			Path:     path,
			Expected: expected,
			Actual:   actual,
			Present:  present,
			Matched:  matched,
		})
	}
	return eval
}
