package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/event"
	"github.com/splax/autodeploy/internal/repository"
	"github.com/splax/autodeploy/internal/service/deploy"
	"github.com/splax/autodeploy/internal/ws"
)

// Dispatcher is the deploy service as seen by the HTTP layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, p event.Payload) (deploy.Decision, error)
	List(ctx context.Context, repository string, limit int) ([]domain.Deployment, error)
	Get(ctx context.Context, id string) (*domain.Deployment, error)
}

// HealthCheck checks one component for /healthz.
type HealthCheck func(context.Context) error

// Options carries optional router dependencies.
type Options struct {
	Hub              *ws.Hub
	Limiter          RateLimiter
	WebhookRateLimit int
	HealthChecks     map[string]HealthCheck
	Registerer       prometheus.Registerer
	Gatherer         prometheus.Gatherer
}

// Router wires HTTP endpoints to the deploy service.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	deploy       Dispatcher
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	webhookLimit int
	checks       map[string]HealthCheck
	gatherer     prometheus.Gatherer

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	ssePingInterval    = 20 * time.Second
	maxPayloadBytes    = 5 << 20
	defaultListLimit   = 20
	maxListLimit       = 200
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc Dispatcher, opts Options) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		deploy: deploySvc,
		hub:    opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      opts.Limiter,
		webhookLimit: opts.WebhookRateLimit,
		checks:       opts.HealthChecks,
		gatherer:     opts.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics(opts.Registerer)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	webhook := r.withRateLimit("/hooks", r.webhookLimit, rateWindowDefault, rateLimitKeyIP, r.handleWebhook)
	r.mux.HandleFunc("/", r.audit(r.instrument("/", r.handleRoot(webhook))))
	r.mux.HandleFunc("/hooks", r.audit(r.instrument("/hooks", webhook)))
	r.mux.HandleFunc("/favicon.ico", r.handleFavicon)
	r.mux.HandleFunc("/healthz", r.audit(r.instrument("/healthz", r.handleHealthz)))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/deploys", r.audit(r.instrument("/deploys", r.withRateLimit("/deploys", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleDeploys))))
	r.mux.HandleFunc("/deploys/", r.audit(r.instrument("/deploys/:id", r.withRateLimit("/deploys/:id", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleDeploy))))
	r.mux.HandleFunc("/ws/deploys", r.audit(r.withRateLimit("/ws/deploys", rateLimitWebsocket, rateWindowDefault, rateLimitKeyIP, r.handleDeploysWS)))
	r.mux.HandleFunc("/events/deploys", r.audit(r.withRateLimit("/events/deploys", rateLimitWebsocket, rateWindowDefault, rateLimitKeyIP, r.handleDeploysSSE)))
}

// handleRoot serves webhooks posted to the bare root, as older senders are
// configured to do, and 404s every other unmatched path.
func (r *Router) handleRoot(webhook http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			r.notFound(w)
			return
		}
		webhook(w, req)
	}
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		r.logger.Error("failed to read webhook body", "error", err)
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	payload, err := event.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.logger.Debug("webhook received", "request_id", requestID(req.Context()), "repository", payload.RepositoryName, "ref", payload.Ref)
	decision, err := r.deploy.Dispatch(req.Context(), payload)
	if err != nil {
		if errors.Is(err, deploy.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"status": decision.Outcome}
	if decision.AttemptID != "" {
		resp["attempt_id"] = decision.AttemptID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (r *Router) handleFavicon(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "image/x-icon")
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.checks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleDeploys(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := defaultListLimit
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxListLimit)
	}
	name := strings.TrimSpace(req.URL.Query().Get("repository"))
	deployments, err := r.deploy.List(req.Context(), name, limit)
	if err != nil {
		r.logger.Error("listing deployments failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deploys/"), "/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	deployment, err := r.deploy.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		r.logger.Error("fetching deployment failed", "attempt_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch deployment")
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleDeploysWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	name := strings.TrimSpace(req.URL.Query().Get("repository"))
	if name == "" {
		name = ws.AllRepositories
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(name, client)
	go func() {
		defer func() {
			r.hub.Unregister(name, client)
			client.Close()
		}()
		client.Drain()
	}()
}

func (r *Router) handleDeploysSSE(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	name := strings.TrimSpace(req.URL.Query().Get("repository"))
	if name == "" {
		name = ws.AllRepositories
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewEventClient(w, flusher)
	r.hub.Register(name, client)
	defer func() {
		r.hub.Unregister(name, client)
		client.Close()
	}()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				return
			}
		}
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
