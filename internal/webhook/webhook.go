// Package webhook receives push events from backends. Every delivery is
// verified against the instance's shared secret before any handler runs;
// handler failures are isolated so one bad handler never drops the rest of
// a delivery.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/model"
	"github.com/unitrack/unitrack/internal/observe"
	"github.com/unitrack/unitrack/internal/registry"
	"github.com/unitrack/unitrack/internal/storage"
)

// SignatureHeader carries the HMAC of the raw request body.
const SignatureHeader = "X-Hub-Signature"

// Event is one verified delivery on its way to handlers.
type Event struct {
	InstanceID string
	TenantID   string
	Backend    model.BackendKind
	Type       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Handler processes one verified event. The returned value lands in the
// delivery's results array.
type Handler func(ctx context.Context, ev *Event) (interface{}, error)

// Receiver verifies and dispatches deliveries.
type Receiver struct {
	store    storage.Store
	registry *registry.Registry
	logger   *zap.Logger
	metrics  *observe.Metrics

	mu       sync.Mutex
	handlers map[string][]Handler // key: "<kind>:<event-type>", "<kind>:*"

	now func() time.Time // test seam
}

// NewReceiver creates a Receiver. A nil metrics disables delivery counters.
func NewReceiver(store storage.Store, reg *registry.Registry, logger *zap.Logger, metrics *observe.Metrics) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		store:    store,
		registry: reg,
		logger:   logger,
		metrics:  metrics,
		handlers: map[string][]Handler{},
		now:      time.Now,
	}
}

// Register adds a handler for a backend's event type. Use "*" for the
// event type to receive every event of that backend. Registration copies
// the handler map so in-flight dispatches never observe a partial update.
func (r *Receiver) Register(kind model.BackendKind, eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string][]Handler, len(r.handlers)+1)
	for k, v := range r.handlers {
		next[k] = v
	}
	key := handlerKey(kind, eventType)
	next[key] = append(append([]Handler(nil), next[key]...), h)
	r.handlers = next
}

func (r *Receiver) snapshot() map[string][]Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers
}

func handlerKey(kind model.BackendKind, eventType string) string {
	return string(kind) + ":" + eventType
}

// Verify checks the delivery signature against the instance's shared
// secret. The signature covers the raw body bytes.
func Verify(secret string, body []byte, header string) error {
	if secret == "" {
		return apperr.New(apperr.KindUnauthorized, "instance has no webhook secret configured")
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return apperr.New(apperr.KindUnauthorized, "missing or malformed webhook signature")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return apperr.New(apperr.KindUnauthorized, "missing or malformed webhook signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperr.New(apperr.KindUnauthorized, "webhook signature mismatch")
	}
	return nil
}

// Sign computes the signature header value for a body. Used by tests and
// by outbound delivery tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// EventType extracts the backend-native event type from a delivery.
// GitHub carries it in a header; the rest embed it in the body.
func EventType(kind model.BackendKind, headers http.Header, body []byte) string {
	switch kind {
	case model.BackendGitHub:
		return headers.Get("X-GitHub-Event")
	case model.BackendJira:
		return bodyField(body, "webhookEvent")
	case model.BackendLinear:
		return bodyField(body, "type")
	case model.BackendClickUp:
		return bodyField(body, "event")
	case model.BackendAsana:
		// Asana batches events; the envelope itself is the unit.
		return "events"
	}
	return ""
}

func bodyField(body []byte, field string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(doc[field], &s); err != nil {
		return ""
	}
	return s
}

// HandlerResult is one handler's contribution to the delivery response.
type HandlerResult struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Dispatch runs every handler registered for the event, exact type first
// then the backend's wildcard. A handler error is captured in its result
// slot; it never aborts the delivery.
func (r *Receiver) Dispatch(ctx context.Context, ev *Event) []HandlerResult {
	handlers := r.snapshot()
	matched := append(append([]Handler(nil),
		handlers[handlerKey(ev.Backend, ev.Type)]...),
		handlers[handlerKey(ev.Backend, "*")]...)

	results := make([]HandlerResult, 0, len(matched))
	for _, h := range matched {
		result, err := r.run(ctx, ev, h)
		if err != nil {
			r.logger.Warn("webhook handler failed",
				zap.String("instance_id", ev.InstanceID),
				zap.String("event_type", ev.Type),
				zap.Error(err))
			results = append(results, HandlerResult{Error: err.Error()})
			continue
		}
		results = append(results, HandlerResult{Result: result})
	}
	return results
}

// run invokes one handler, converting a panic into an error so a broken
// handler cannot take down the delivery.
func (r *Receiver) run(ctx context.Context, ev *Event, h Handler) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, ev)
}

func (r *Receiver) count(kind model.BackendKind, outcome string) {
	if r.metrics != nil {
		r.metrics.WebhooksTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}

// Receive verifies and dispatches one raw delivery for an instance.
func (r *Receiver) Receive(ctx context.Context, tenantID, instanceID string, headers http.Header, body []byte) ([]HandlerResult, error) {
	inst, err := r.registry.Resolve(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	cred, err := r.registry.Credentials(inst)
	if err != nil {
		return nil, err
	}
	if err := Verify(cred.Secret, body, headers.Get(SignatureHeader)); err != nil {
		r.count(inst.Kind, "rejected")
		return nil, err
	}

	ev := &Event{
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		Backend:    inst.Kind,
		Type:       EventType(inst.Kind, headers, body),
		Payload:    body,
		ReceivedAt: r.now(),
	}
	results := r.Dispatch(ctx, ev)
	r.count(inst.Kind, "ok")

	if err := r.store.TouchInstanceSync(ctx, inst.TenantID, inst.ID, ev.ReceivedAt); err != nil {
		r.logger.Warn("failed to touch instance sync time",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
	return results, nil
}
