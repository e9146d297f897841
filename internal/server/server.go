// Package server exposes a single agent runtime over HTTP: status and
// health, synchronous prompt exchange, workspace file access, and the
// in-memory log query surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"phobos.org.uk/harness/internal/api"
	"phobos.org.uk/harness/internal/config"
	"phobos.org.uk/harness/internal/fault"
	"phobos.org.uk/harness/internal/history"
	"phobos.org.uk/harness/internal/logging"
	"phobos.org.uk/harness/internal/runtime"
)

const maxFileBodyBytes = 10 * 1024 * 1024

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	Prompt         string `json:"prompt"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Type            string               `json:"type"`
	Interfaces      []string             `json:"interfaces"`
	Version         string               `json:"version"`
	State           runtime.ProcessState `json:"state"`
	SessionID       string               `json:"session_id,omitempty"`
	Healthy         bool                 `json:"healthy"`
	UptimeSeconds   float64              `json:"uptime_seconds"`
	CurrentExchange *api.CurrentExchange `json:"current_exchange"`
	Config          StatusConfig         `json:"config"`
}

// StatusConfig shows host config in status.
type StatusConfig struct {
	Port        int    `json:"port"`
	RuntimeKind string `json:"runtime_kind"`
}

// Host serves one runtime instance.
type Host struct {
	cfg       *config.Config
	version   string
	startTime time.Time
	rt        runtime.AgentRuntime
	history   *history.Store
	log       *logging.Logger

	mu      sync.RWMutex
	current *api.CurrentExchange

	server   *http.Server
	shutdown chan struct{}
}

// New creates a Host around an already-constructed runtime. The runtime
// is not initialized here; the caller decides when to bring it up.
func New(cfg *config.Config, rt runtime.AgentRuntime, version string, log *logging.Logger) *Host {
	if log == nil {
		log = logging.New(logging.Config{
			Level:      logging.Level(cfg.LogLevel),
			Component:  "host",
			MaxEntries: 1000,
		})
	}

	var historyStore *history.Store
	if cfg.HistoryDir != "" {
		var err error
		historyStore, err = history.NewStore(cfg.HistoryDir)
		if err != nil {
			log.Warn("failed to initialize history store", map[string]any{"error": err.Error()})
		}
	}

	return &Host{
		cfg:       cfg,
		version:   version,
		startTime: time.Now(),
		rt:        rt,
		history:   historyStore,
		log:       log,
		shutdown:  make(chan struct{}),
	}
}

// Router returns the HTTP router.
func (h *Host) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/status", h.handleStatus)
	r.Get("/healthz", h.handleHealthz)
	r.Post("/prompt", h.handlePrompt)
	r.Post("/shutdown", h.handleShutdown)

	// Workspace endpoints
	r.Get("/files", h.handleListFiles)
	r.Get("/changes", h.handleChanges)
	r.Get("/files/*", h.handleReadFile)
	r.Put("/files/*", h.handleWriteFile)

	// History endpoints
	r.Get("/history", h.handleListHistory)
	r.Get("/history/{id}", h.handleGetHistory)

	// Logging endpoints
	r.Get("/logs", h.handleLogs)
	r.Get("/logs/stats", h.handleLogStats)

	return r
}

// Start starts the host server, with TLS when configured.
func (h *Host) Start() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Bind, h.cfg.Port)
	h.server = &http.Server{
		Addr:    addr,
		Handler: h.Router(),
	}

	h.log.Info("host starting", map[string]any{
		"addr":         addr,
		"version":      h.version,
		"runtime_kind": h.cfg.RuntimeKind,
		"tls":          h.cfg.TLS.Enabled,
	})

	if h.cfg.TLS.Enabled {
		if err := ensureTLSCert(h.cfg.TLS.CertFile, h.cfg.TLS.KeyFile); err != nil {
			return fmt.Errorf("preparing TLS certificate: %w", err)
		}
		h.server.TLSConfig = hostTLSConfig()
		return h.server.ListenAndServeTLS(h.cfg.TLS.CertFile, h.cfg.TLS.KeyFile)
	}
	return h.server.ListenAndServe()
}

// Shutdown gracefully stops the server and releases the runtime.
func (h *Host) Shutdown(ctx context.Context) error {
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}

	h.rt.Cleanup()

	if h.server != nil {
		return h.server.Shutdown(ctx)
	}
	return nil
}

// handleStatus returns the runtime state, host version and uptime, and a
// preview of the in-flight exchange if one is running.
func (h *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.rt.Status()

	h.mu.RLock()
	current := h.current
	h.mu.RUnlock()

	resp := StatusResponse{
		Type:            api.TypeRuntimeHost,
		Interfaces:      []string{api.InterfaceStatusable, api.InterfacePromptable, api.InterfaceFileable},
		Version:         h.version,
		State:           st.State,
		SessionID:       st.SessionID,
		Healthy:         st.Healthy,
		UptimeSeconds:   time.Since(h.startTime).Seconds(),
		CurrentExchange: current,
		Config: StatusConfig{
			Port:        h.cfg.Port,
			RuntimeKind: h.cfg.RuntimeKind,
		},
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// handleHealthz performs the liveness check against the runtime. This is
// the endpoint that may demote the runtime state as a side effect.
func (h *Host) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.rt.IsHealthy() {
		api.WriteJSON(w, http.StatusOK, map[string]any{"healthy": true})
		return
	}
	api.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
		"healthy": false,
		"state":   h.rt.Status().State,
	})
}

// handlePrompt runs one synchronous exchange. Returns 409 when a prompt
// is already in flight and 409 with a distinct code when the runtime is
// not ready at all.
func (h *Host) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "validation_error", "Invalid JSON: "+err.Error())
		return
	}
	if req.Prompt == "" {
		api.WriteError(w, http.StatusBadRequest, "validation_error", "prompt is required")
		return
	}

	switch st := h.rt.Status(); st.State {
	case runtime.StateReady:
	case runtime.StateBusy:
		api.WriteError(w, http.StatusConflict, api.ErrorRuntimeBusy,
			"a prompt exchange is already in flight")
		return
	default:
		api.WriteError(w, http.StatusConflict, api.ErrorRuntimeNotReady,
			fmt.Sprintf("runtime is %s, not ready", st.State))
		return
	}

	exchange := &api.CurrentExchange{
		ID:            "xchg-" + uuid.New().String()[:8],
		StartedAt:     time.Now().Format(time.RFC3339),
		PromptPreview: preview(req.Prompt, 50),
	}
	h.mu.Lock()
	h.current = exchange
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.current = nil
		h.mu.Unlock()
	}()

	var opts runtime.PromptOptions
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	h.log.Info("exchange started", map[string]any{
		"exchange_id": exchange.ID,
		"preview":     exchange.PromptPreview,
	})

	result, err := h.rt.SendPrompt(r.Context(), req.Prompt, opts)
	h.recordExchange(exchange, req.Prompt, result, err)
	if err != nil {
		h.writeExchangeError(w, exchange.ID, result, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

// recordExchange persists the outcome of one exchange when history is
// configured.
func (h *Host) recordExchange(exchange *api.CurrentExchange, prompt string, result *runtime.TurnResult, sendErr error) {
	if h.history == nil {
		return
	}

	startedAt, _ := time.Parse(time.RFC3339, exchange.StartedAt)
	completedAt := time.Now()
	entry := &history.Entry{
		ExchangeID:      exchange.ID,
		State:           "completed",
		Prompt:          prompt,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
	}
	if result != nil {
		entry.SessionID = result.SessionID
		entry.Content = result.Content
		entry.NumTurns = result.NumTurns
		entry.CostUSD = result.CostUSD
		if result.Usage != nil {
			entry.TokenUsage = &history.TokenUsage{
				Input:  result.Usage.InputTokens,
				Output: result.Usage.OutputTokens,
			}
		}
	}
	if sendErr != nil {
		entry.State = "failed"
		entry.Error = &history.EntryError{
			Kind:    string(fault.KindOf(sendErr)),
			Message: sendErr.Error(),
		}
	}

	if err := h.history.Save(entry); err != nil {
		h.log.Warn("failed to save history entry", map[string]any{"error": err.Error()})
	}
}

// handleListHistory returns paginated exchange history, newest first.
func (h *Host) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		api.WriteError(w, http.StatusNotFound, "history_disabled", "history is not configured")
		return
	}

	page, err := api.ParseIntParam(r.URL.Query().Get("page"), 1, 1<<20, 1)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "validation_error", "page "+err.Error())
		return
	}
	limit, err := api.ParseIntParam(r.URL.Query().Get("limit"), 1, 100, 20)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "validation_error", "limit "+err.Error())
		return
	}

	api.WriteJSON(w, http.StatusOK, h.history.List(history.ListOptions{Page: page, Limit: limit}))
}

// handleGetHistory returns one exchange history entry by ID.
func (h *Host) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		api.WriteError(w, http.StatusNotFound, "history_disabled", "history is not configured")
		return
	}

	entry, err := h.history.Get(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, entry)
}

// writeExchangeError maps the failure classification to an HTTP status.
// A partial result, when present, rides along in the error body.
func (h *Host) writeExchangeError(w http.ResponseWriter, exchangeID string, result *runtime.TurnResult, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.RateLimited:
		status = http.StatusTooManyRequests
	case fault.Timeout:
		status = http.StatusGatewayTimeout
	case fault.NotReady:
		status = http.StatusConflict
	case fault.ProcessCrash, fault.ConnectionFailure:
		status = http.StatusBadGateway
	case fault.MaxTurnsExceeded:
		status = http.StatusUnprocessableEntity
	}

	h.log.Warn("exchange failed", map[string]any{
		"exchange_id": exchangeID,
		"kind":        string(kind),
		"error":       err.Error(),
	})

	body := map[string]any{
		"error":   string(kind),
		"message": err.Error(),
	}
	if result != nil {
		body["result"] = result
	}
	api.WriteJSON(w, status, body)
}

// handleListFiles returns all files in the agent workspace.
func (h *Host) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.rt.ListFiles()
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, "file_error", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

// handleChanges returns files modified after the since timestamp.
func (h *Host) handleChanges(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		api.WriteError(w, http.StatusBadRequest, "validation_error", "since is required (RFC3339)")
		return
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "validation_error", "since must be RFC3339: "+err.Error())
		return
	}

	files, err := h.rt.FileChangesSince(since)
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, "file_error", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
		"since": since.Format(time.RFC3339),
	})
}

// handleReadFile streams one workspace file.
func (h *Host) handleReadFile(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	data, err := h.rt.ReadFile(path)
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "file_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleWriteFile stores the request body as a workspace file.
func (h *Host) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileBodyBytes))
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "validation_error", "reading body: "+err.Error())
		return
	}
	if err := h.rt.WriteFile(path, data); err != nil {
		api.WriteError(w, http.StatusBadRequest, "file_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShutdown initiates graceful host shutdown.
// If force=false and an exchange is in flight, returns 409.
func (h *Host) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutSeconds int  `json:"timeout_seconds"`
		Force          bool `json:"force"`
	}
	req.TimeoutSeconds = 30

	// Decode errors keep the safe defaults.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if h.rt.Status().State == runtime.StateBusy && !req.Force {
		api.WriteError(w, http.StatusConflict, api.ErrorRuntimeBusy,
			"an exchange is in flight, use force=true to terminate")
		return
	}

	api.WriteJSON(w, http.StatusAccepted, map[string]any{
		"message":       "Shutdown initiated",
		"drain_timeout": req.TimeoutSeconds,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	}()
}

// handleLogs returns log entries with optional filtering.
// Query params:
//   - level: minimum log level (debug, info, warn, error)
//   - session_id: filter by session ID
//   - since: RFC3339 timestamp to filter entries after
//   - until: RFC3339 timestamp to filter entries before
//   - limit: max entries to return (default 100)
func (h *Host) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := logging.Query{
		Limit: 100,
	}

	if level := r.URL.Query().Get("level"); level != "" {
		q.Level = logging.Level(level)
	}
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		q.SessionID = sessionID
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = t
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			q.Until = t
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if v, err := strconv.Atoi(limit); err == nil && v > 0 {
			q.Limit = v
		}
	}

	api.WriteJSON(w, http.StatusOK, h.log.Query(q))
}

// handleLogStats returns log statistics without entries.
func (h *Host) handleLogStats(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.log.Stats())
}

func preview(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
