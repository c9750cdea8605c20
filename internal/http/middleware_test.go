package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuditAssignsRequestID(t *testing.T) {
	r := newTestRouter(t, &dispatcherStub{}, Options{})
	var seen string
	h := r.audit(func(w http.ResponseWriter, req *http.Request) {
		seen = requestID(req.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("expected generated id echoed, ctx=%q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h(rec, req)
	if seen != "abc-123" || rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("expected caller id kept, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 200))
	h(httptest.NewRecorder(), req)
	if len(seen) > 128 {
		t.Fatal("oversized request id should be replaced")
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"peer", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.1:80", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1:80", "198.51.100.4"},
		{"garbage forwarded", map[string]string{"X-Forwarded-For": "not-an-ip"}, "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWebhookSender(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if webhookSender(req) != "" {
		t.Fatal("expected no sender")
	}
	req.Header.Set("X-Gitlab-Event", "Pipeline Hook")
	if got := webhookSender(req); got != "gitlab:Pipeline Hook" {
		t.Fatalf("unexpected sender %q", got)
	}
}
