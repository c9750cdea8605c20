package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// requestID returns the ID assigned by audit, if any.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// audit assigns every request an ID, echoes it in X-Request-ID and writes one
// access log line when the handler returns.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		req = req.WithContext(context.WithValue(req.Context(), requestIDKey{}, id))

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(rec, req)

		status := rec.code()
		attrs := []any{
			"request_id", id,
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", clientIP(req),
		}
		if sender := webhookSender(req); sender != "" {
			attrs = append(attrs, "sender", sender)
		}
		r.logger.Log(req.Context(), accessLevel(status), "http_request", attrs...)
	}
}

func accessLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// instrument feeds the request counters. It reuses audit's recorder when the
// two are stacked.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.metricsInitialized {
			next(w, req)
			return
		}
		rec, ok := w.(*statusRecorder)
		if !ok {
			rec = &statusRecorder{ResponseWriter: w}
		}
		start := time.Now()
		next(rec, req)
		r.recordRequestMetrics(req.Method, route, rec.code(), time.Since(start))
	}
}

// webhookSender names the hosting service from its event header, if any.
func webhookSender(req *http.Request) string {
	for _, h := range []struct{ header, name string }{
		{"X-Gitlab-Event", "gitlab"},
		{"X-GitHub-Event", "github"},
		{"X-Gitea-Event", "gitea"},
	} {
		if v := req.Header.Get(h.header); v != "" {
			return h.name + ":" + v
		}
	}
	return ""
}

// statusRecorder captures the status and size of a response. It passes
// Flush and Hijack through so streaming routes work behind audit.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if sr.status == 0 {
		sr.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer. Header values that are not addresses are ignored.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.String()
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(req.Header.Get("X-Real-IP"))); err == nil {
		return addr.String()
	}
	if ap, err := netip.ParseAddrPort(req.RemoteAddr); err == nil {
		return ap.Addr().String()
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
