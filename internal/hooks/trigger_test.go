package hooks

import "testing"

func TestIsTriggeredRequiresEveryHook(t *testing.T) {
	payload := decode(t, samplePayload)
	hooks := map[string]any{
		"build_status":       "success",
		"commit.author_name": "dana",
		"commits.0.id":       "a1",
	}
	if !IsTriggered(payload, hooks) {
		t.Fatalf("expected all hooks to match")
	}

	for path := range hooks {
		flipped := make(map[string]any, len(hooks))
		for k, v := range hooks {
			flipped[k] = v
		}
		flipped[path] = "does-not-match"
		if IsTriggered(payload, flipped) {
			t.Fatalf("flipping %q should untrigger", path)
		}
		if Evaluate(payload, flipped).Triggered {
			t.Fatalf("evaluate disagrees with IsTriggered for %q", path)
		}
	}
}

func TestEmptyHooksAlwaysTrigger(t *testing.T) {
	if !IsTriggered(map[string]any{}, nil) {
		t.Fatalf("nil hooks should trigger")
	}
	if !Evaluate(nil, map[string]any{}).Triggered {
		t.Fatalf("empty hooks should trigger")
	}
}

func TestEvaluateReportsMismatches(t *testing.T) {
	payload := decode(t, samplePayload)
	eval := Evaluate(payload, map[string]any{
		"build_status": "failed",
		"ref":          "refs/heads/main",
		"missing.path": "x",
	})
	if eval.Triggered {
		t.Fatalf("expected evaluation to fail")
	}
	if len(eval.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(eval.Results))
	}
	if eval.Results[0].Path != "build_status" || eval.Results[2].Path != "ref" {
		t.Fatalf("results not sorted by path: %+v", eval.Results)
	}
	mismatches := eval.Mismatches()
	if len(mismatches) != 2 {
		t.Fatalf("expected 2 mismatches, got %d", len(mismatches))
	}
	if mismatches[0].Actual != "success" || !mismatches[0].Present {
		t.Fatalf("unexpected actual value %v", mismatches[0].Actual)
	}
	if mismatches[1].Present {
		t.Fatalf("missing path reported as present")
	}
}
