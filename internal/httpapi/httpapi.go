// Package httpapi exposes the gateway's two HTTP surfaces: the tool
// surface (tool invocation, SSE, webhooks) and the query surface
// (whitelisted warehouse templates). Both speak the same error envelope.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/config"
	"github.com/unitrack/unitrack/internal/dispatch"
	"github.com/unitrack/unitrack/internal/observe"
	"github.com/unitrack/unitrack/internal/querytpl"
	"github.com/unitrack/unitrack/internal/webhook"
)

// Server builds the two HTTP handlers. Lifecycle (listeners, shutdown)
// belongs to the caller.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *dispatch.Dispatcher
	engine     *querytpl.Engine
	receiver   *webhook.Receiver
	metrics    *observe.Metrics
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	version    string

	now func() time.Time // test seam
}

// Options carries the server's collaborators.
type Options struct {
	Config     config.ServerConfig
	Dispatcher *dispatch.Dispatcher
	Engine     *querytpl.Engine
	Receiver   *webhook.Receiver
	Metrics    *observe.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
	Version    string
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		cfg:        opts.Config,
		dispatcher: opts.Dispatcher,
		engine:     opts.Engine,
		receiver:   opts.Receiver,
		metrics:    opts.Metrics,
		gatherer:   opts.Gatherer,
		logger:     opts.Logger,
		version:    opts.Version,
		now:        time.Now,
	}
}

func (s *Server) base(surface string) chi.Router {
	r := chi.NewRouter()
	r.Use(observe.Middleware(surface, s.logger, s.metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", observe.HeaderRequestID, observe.HeaderTenantID, observe.HeaderUserID},
		MaxAge:         300,
	}))
	return r
}

// ToolsHandler is the tool surface: invocation, catalog, SSE, webhooks,
// health, and metrics.
func (s *Server) ToolsHandler() http.Handler {
	r := s.base("tools")

	r.Post("/tools/invoke", s.handleInvoke)
	r.Get("/tools", s.handleListTools)
	r.Get("/sse", s.handleSSE)
	r.Post("/webhooks/{tenantID}/{instanceID}", s.handleWebhook)

	s.mountHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/metrics/json", s.handleMetricsJSON)
	return r
}

// QueryHandler is the query surface: template execution and listing.
func (s *Server) QueryHandler() http.Handler {
	r := s.base("query")

	r.Post("/query", s.handleQuery)
	r.Get("/templates", s.handleListTemplates)

	s.mountHealth(r)
	return r
}

func (s *Server) mountHealth(r chi.Router) {
	health := func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": s.now().UTC().Format(time.RFC3339),
		})
	}
	r.Get("/health", health)
	r.Get("/healthz", health)
	r.Get("/readyz", health)
}

type invokeRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if observe.TenantID(ctx) == "" {
		s.writeError(w, r, apperr.New(apperr.KindUnauthorized, "missing %s header", observe.HeaderTenantID))
		return
	}

	var req invokeRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "tool name is required"))
		return
	}

	result, err := s.dispatcher.Execute(ctx, req.Name, req.Arguments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":     result,
		"request_id": observe.RequestID(ctx),
		"timestamp":  s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if observe.TenantID(r.Context()) == "" {
		s.writeError(w, r, apperr.New(apperr.KindUnauthorized, "missing %s header", observe.HeaderTenantID))
		return
	}

	type toolInfo struct {
		Name        string          `json:"name"`
		Kind        string          `json:"kind"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
	}
	infos := make([]toolInfo, 0, len(dispatch.ToolNames()))
	for _, name := range dispatch.ToolNames() {
		tool := dispatch.GetTool(name)
		infos = append(infos, toolInfo{
			Name:        tool.Name,
			Kind:        string(tool.Kind),
			Description: tool.Description,
			InputSchema: tool.SchemaJSON(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tools": infos})
}

type queryRequest struct {
	TemplateName string                 `json:"template_name"`
	Params       map[string]interface{} `json:"params"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := observe.TenantID(ctx)
	if tenantID == "" {
		s.writeError(w, r, apperr.New(apperr.KindUnauthorized, "missing %s header", observe.HeaderTenantID))
		return
	}

	var req queryRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.engine.Execute(ctx, req.TemplateName, req.Params, tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if observe.TenantID(r.Context()) == "" {
		s.writeError(w, r, apperr.New(apperr.KindUnauthorized, "missing %s header", observe.HeaderTenantID))
		return
	}

	type templateInfo struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		ParamSchema json.RawMessage `json:"param_schema"`
	}
	infos := make([]templateInfo, 0, len(querytpl.Names()))
	for _, name := range querytpl.Names() {
		tpl := querytpl.Get(name)
		infos = append(infos, templateInfo{
			Name:        tpl.Name,
			Description: tpl.Description,
			ParamSchema: tpl.SchemaJSON(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": infos})
}

// Webhook payloads run larger than tool invocations; backends batch
// events into one delivery.
const webhookBodyLimit = 10 << 20

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	instanceID := chi.URLParam(r, "instanceID")

	body, err := readBody(w, r, webhookBodyLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	results, err := s.receiver.Receive(r.Context(), tenantID, instanceID, r.Header, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"results": results,
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// decodeBody parses a JSON request body under the configured size cap.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "malformed request body")
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "request body unreadable")
	}
	return body, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

// writeError renders the uniform error envelope. Rate-limited responses
// also carry a Retry-After header.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	requestID := observe.RequestID(r.Context())

	envelope := map[string]interface{}{
		"code":       string(e.Kind),
		"message":    e.Message,
		"request_id": requestID,
		"timestamp":  s.now().UTC().Format(time.RFC3339),
	}
	if len(e.Details) > 0 {
		envelope["details"] = e.Details
	}
	if e.RetryAfter > 0 {
		envelope["retry_after"] = e.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	s.writeJSON(w, e.Kind.HTTPStatus(), envelope)
}
