// Package httpx exposes the control plane over HTTP: the tool-call protocol,
// operator auth, audit queries, progress streams, and health/metrics.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cutover-io/cutover/internal/audit"
	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/legacy"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/progress"
	"github.com/cutover-io/cutover/internal/registry"
	"github.com/cutover-io/cutover/internal/repository"
	"github.com/cutover-io/cutover/pkg/crypto"
	"github.com/cutover-io/cutover/pkg/jwt"
)

// Prober answers a single liveness probe.
type Prober interface {
	Probe(ctx context.Context, url string) bool
}

// Deps carries everything the router serves.
type Deps struct {
	Registry  *registry.Service
	Orch      *orchestrator.Service
	Audit     *audit.Service
	Detector  *legacy.Detector
	Planner   *legacy.Planner
	Gate      Prober
	Broker    *progress.Broker
	Operators repository.OperatorRepository
	Limiter   RateLimiter
	DBHealth  func(context.Context) error

	JWTSecret  string
	TokenTTL   time.Duration
	HealthHost string
	HealthPath string
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	log       *slog.Logger
	registry  *registry.Service
	orch      *orchestrator.Service
	audit     *audit.Service
	detector  *legacy.Detector
	planner   *legacy.Planner
	gate      Prober
	broker    *progress.Broker
	operators repository.OperatorRepository
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	jwtSecret  string
	tokenTTL   time.Duration
	healthHost string
	healthPath string
	tools      map[Op]toolHandler

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitLogin     = 12
	rateLimitTools     = 120
	rateLimitAudit     = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(log *slog.Logger, deps Deps) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		log:        log,
		registry:   deps.Registry,
		orch:       deps.Orch,
		audit:      deps.Audit,
		detector:   deps.Detector,
		planner:    deps.Planner,
		gate:       deps.Gate,
		broker:     deps.Broker,
		operators:  deps.Operators,
		limiter:    deps.Limiter,
		dbHealth:   deps.DBHealth,
		jwtSecret:  deps.JWTSecret,
		tokenTTL:   deps.TokenTTL,
		healthHost: deps.HealthHost,
		healthPath: deps.HealthPath,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.healthHost == "" {
		r.healthHost = "localhost"
	}
	if r.healthPath == "" {
		r.healthPath = "/health"
	}
	if r.tokenTTL <= 0 {
		r.tokenTTL = time.Hour
	}
	r.tools = r.buildDispatch()
	r.initMetrics()
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
	r.mux.HandleFunc("/healthz", r.logged(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/login", r.logged(r.withRateLimit("login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/tools", r.logged(r.handlerAuthRate("tools", rateLimitTools, rateWindowDefault, r.handleTools)))
	r.mux.HandleFunc("/audit", r.logged(r.handlerAuthRate("audit", rateLimitAudit, rateWindowDefault, r.handleAudit)))
	r.mux.HandleFunc("/progress/ws", r.logged(r.handlerAuthRate("progress_ws", rateLimitStream, rateWindowRealtime, r.handleProgressWS)))
	r.mux.HandleFunc("/progress/sse", r.logged(r.handlerAuthRate("progress_sse", rateLimitStream, rateWindowRealtime, r.handleProgressSSE)))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	operator, err := r.operators.GetOperatorByName(req.Context(), strings.TrimSpace(payload.Name))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := crypto.ComparePassword(operator.PasswordHash, payload.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := jwt.GenerateToken(operator.ID, operator.Name, r.jwtSecret, r.tokenTTL)
	if err != nil {
		r.log.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(r.tokenTTL.Seconds()),
		"operator":  map[string]string{"id": operator.ID, "name": operator.Name},
	})
}

// handleTools is the single entry point of the tool-call protocol.
func (r *Router) handleTools(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Tool   string          `json:"tool"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeToolError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	op := Op(strings.TrimSpace(payload.Tool))
	handler, ok := r.tools[op]
	if !ok {
		if replacement, deprecated := legacyCommands[string(op)]; deprecated {
			writeToolError(w, http.StatusBadRequest,
				fmt.Sprintf("tool %q is deprecated", op),
				fmt.Sprintf("use %q instead", replacement))
			return
		}
		writeToolError(w, http.StatusBadRequest, fmt.Sprintf("unknown tool %q", op), "")
		return
	}
	actor := "anonymous"
	if info, ok := authInfoFromContext(req.Context()); ok && info.Name != "" {
		actor = info.Name
	}
	result, err := handler(req.Context(), actor, payload.Params)
	if err != nil {
		writeToolError(w, toolErrorStatus(err), err.Error(), "")
		return
	}
	writeToolResult(w, result)
}

// toolErrorStatus maps the error taxonomy onto HTTP status codes.
func toolErrorStatus(err error) int {
	var (
		invalid   *domain.InvalidTransitionError
		expired   *domain.GraceExpiredError
		exhausted *domain.PortExhaustedError
		network   *domain.NetworkMissingError
	)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRegistryConflict):
		return http.StatusConflict
	case errors.As(err, &invalid), errors.As(err, &expired):
		return http.StatusConflict
	case errors.As(err, &exhausted), errors.As(err, &network):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrHealthCheckTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleAudit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	filter := domain.AuditFilter{ProjectName: query.Get("project")}
	if raw := query.Get("environment"); raw != "" {
		env, err := domain.ParseEnvironment(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Environment = env
	}
	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		if raw := query.Get(name); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s timestamp", name))
				return
			}
			*dst = parsed
		}
	}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))
	entries, err := r.audit.List(req.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, toAuditView(entry))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleProgressWS(w http.ResponseWriter, req *http.Request) {
	deployID := req.URL.Query().Get("deploy_id")
	if deployID == "" {
		writeError(w, http.StatusBadRequest, "deploy_id query parameter required")
		return
	}
	client, err := progress.UpgradeWS(w, req, r.log)
	if err != nil {
		r.log.Error("websocket upgrade failed", "error", err)
		return
	}
	r.broker.Subscribe(deployID, client)
	go func() {
		client.ReadLoop()
		r.broker.Unsubscribe(deployID, client)
	}()
}

func (r *Router) handleProgressSSE(w http.ResponseWriter, req *http.Request) {
	deployID := req.URL.Query().Get("deploy_id")
	if deployID == "" {
		writeError(w, http.StatusBadRequest, "deploy_id query parameter required")
		return
	}
	client, err := progress.NewSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.broker.Subscribe(deployID, client)
	client.Wait(req.Context().Done())
	r.broker.Unsubscribe(deployID, client)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
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

// logged wraps a handler with request logging and metrics.
func (r *Router) logged(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.log.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.log.Warn("http_request", fields...)
		default:
			r.log.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
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
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
