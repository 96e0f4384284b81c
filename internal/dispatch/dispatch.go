// Package dispatch routes tool invocations through a fixed pipeline:
// authenticate, resolve the tool, validate arguments, resolve the backend
// instance, rate limit, replay idempotent calls, invoke the adapter, then
// commit the warehouse upsert, the audit record, and the idempotency
// record in one transaction.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/unitrack/unitrack/internal/adapter"
	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/audit"
	"github.com/unitrack/unitrack/internal/idempotency"
	"github.com/unitrack/unitrack/internal/model"
	"github.com/unitrack/unitrack/internal/observe"
	"github.com/unitrack/unitrack/internal/ratelimit"
	"github.com/unitrack/unitrack/internal/registry"
	"github.com/unitrack/unitrack/internal/storage"
)

// AdapterFunc builds an adapter for a resolved instance. Production wiring
// uses adapter.New; tests substitute fakes.
type AdapterFunc func(inst *model.BackendInstance, cred *model.Credential) (adapter.SourceAdapter, error)

// Dispatcher executes tool invocations.
type Dispatcher struct {
	store      storage.Store
	registry   *registry.Registry
	limiter    ratelimit.Limiter
	idem       *idempotency.Store
	auditor    *audit.Writer
	metrics    *observe.Metrics
	logger     *zap.Logger
	newAdapter AdapterFunc

	now func() time.Time // test seam
}

// Options carries the dispatcher's collaborators.
type Options struct {
	Store      storage.Store
	Registry   *registry.Registry
	Limiter    ratelimit.Limiter
	Idem       *idempotency.Store
	Auditor    *audit.Writer
	Metrics    *observe.Metrics
	Logger     *zap.Logger
	NewAdapter AdapterFunc
}

// New creates a Dispatcher. A nil NewAdapter falls back to the global
// adapter registry.
func New(opts Options) *Dispatcher {
	if opts.NewAdapter == nil {
		opts.NewAdapter = adapter.New
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		store:      opts.Store,
		registry:   opts.Registry,
		limiter:    opts.Limiter,
		idem:       opts.Idem,
		auditor:    opts.Auditor,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		newAdapter: opts.NewAdapter,
		now:        time.Now,
	}
}

// Execute runs one tool invocation end to end and returns the tool's
// result payload. All failures carry the error taxonomy.
func (d *Dispatcher) Execute(ctx context.Context, toolName string, args map[string]interface{}) (interface{}, error) {
	start := d.now()
	result, err := d.execute(ctx, toolName, args)
	if d.metrics != nil {
		d.metrics.ObserveOperation("tool."+toolName, d.now().Sub(start), err != nil)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) execute(ctx context.Context, toolName string, args map[string]interface{}) (interface{}, error) {
	tenantID := observe.TenantID(ctx)
	if tenantID == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing tenant identity")
	}

	tool := GetTool(toolName)
	if tool == nil {
		return nil, apperr.New(apperr.KindNotFound, "unknown tool %q", toolName).
			WithDetails(map[string]interface{}{"available": ToolNames()})
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := tool.schema.Validate(args); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid arguments for %s", toolName).
			WithDetails(argumentDetails(err))
	}

	inst, err := d.registry.Resolve(ctx, tenantID, stringArg(args, "instance_id"))
	if err != nil {
		return nil, err
	}
	cred, err := d.registry.Credentials(inst)
	if err != nil {
		return nil, err
	}
	adp, err := d.newAdapter(inst, cred)
	if err != nil {
		return nil, err
	}

	if err := d.limiter.Allow(ctx, inst.ID, inst.RateLimit); err != nil {
		if d.metrics != nil && apperr.IsKind(err, apperr.KindRateLimited) {
			d.metrics.RateLimitHits.WithLabelValues(inst.ID).Inc()
		}
		return nil, err
	}

	key := stringArg(args, "idempotency_key")
	keyed := tool.Kind == KindWrite && key != ""
	if keyed {
		rec, err := d.idem.Check(ctx, tenantID, toolName, key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			d.countReplay(toolName, rec)
			return replay(rec)
		}
	}

	inv := &Invocation{
		Tool:     tool,
		Args:     args,
		TenantID: tenantID,
		UserID:   observe.UserID(ctx),
		Instance: inst,
		Adapter:  adp,
	}
	out, err := tool.handler(ctx, inv)
	if err != nil {
		if keyed {
			d.recordFailure(ctx, tenantID, toolName, key, err)
		}
		return nil, err
	}

	if tool.Kind == KindWrite {
		return d.commitWrite(ctx, inv, out, keyed, key)
	}

	// Reads refresh the warehouse best effort; a stale cache never fails
	// the read itself.
	d.refreshWarehouse(ctx, inv, out)
	return out.Result, nil
}

// commitWrite persists the warehouse upsert, the audit record, and the
// idempotency record in one transaction. When a concurrent call with the
// same key wins the insert race, the whole transaction rolls back and the
// winner's stored response is returned instead, so both callers observe
// the same result.
func (d *Dispatcher) commitWrite(ctx context.Context, inv *Invocation, out *outcome, keyed bool, key string) (interface{}, error) {
	resultJSON, err := json.Marshal(out.Result)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream5xx, err, "encode result")
	}

	err = d.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		for _, item := range out.Items {
			stamp(item, inv)
			if err := tx.UpsertWorkItem(ctx, item); err != nil {
				return err
			}
		}
		for _, c := range out.Comments {
			if err := tx.UpsertComment(ctx, inv.TenantID, c); err != nil {
				return err
			}
		}
		if out.Audit != nil {
			if err := d.auditor.Log(ctx, tx, *out.Audit); err != nil {
				return err
			}
		}
		if keyed {
			_, err := d.idem.Store(ctx, tx, inv.TenantID, inv.Tool.Name, key,
				storage.IdempotencyCompleted, resultJSON, nil, observe.RequestID(ctx))
			return err
		}
		return nil
	})
	if errors.Is(err, storage.ErrDuplicate) {
		rec, checkErr := d.idem.Check(ctx, inv.TenantID, inv.Tool.Name, key)
		if checkErr != nil || rec == nil {
			return nil, apperr.New(apperr.KindConflict, "concurrent request with idempotency key %q", key)
		}
		d.logger.Info("idempotency race lost, replaying winner",
			zap.String("tool", inv.Tool.Name),
			zap.String("winner_request_id", rec.RequestID))
		d.countReplay(inv.Tool.Name, rec)
		return replay(rec)
	}
	if err != nil {
		return nil, apperr.From(err)
	}
	return out.Result, nil
}

// recordFailure persists a failed idempotency record for non-retriable
// errors so replays of the same key return the same failure. Retriable
// failures store nothing; the client is expected to retry the key.
func (d *Dispatcher) recordFailure(ctx context.Context, tenantID, toolName, key string, callErr error) {
	e := apperr.From(callErr)
	if e.Kind.Retriable() {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	storeErr := d.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		_, err := d.idem.Store(ctx, tx, tenantID, toolName, key,
			storage.IdempotencyFailed, nil, payload, observe.RequestID(ctx))
		return err
	})
	if storeErr != nil && !errors.Is(storeErr, storage.ErrDuplicate) {
		d.logger.Warn("failed to persist idempotency failure record",
			zap.String("tool", toolName), zap.Error(storeErr))
	}
}

// refreshWarehouse upserts items and transitions surfaced by read tools.
func (d *Dispatcher) refreshWarehouse(ctx context.Context, inv *Invocation, out *outcome) {
	for _, item := range out.Items {
		stamp(item, inv)
		if err := d.store.UpsertWorkItem(ctx, item); err != nil {
			d.logger.Warn("warehouse upsert failed",
				zap.String("source_id", item.SourceID), zap.Error(err))
		}
	}
	for _, tr := range out.Transitions {
		if err := d.store.InsertTransition(ctx, inv.TenantID, tr); err != nil {
			d.logger.Warn("warehouse transition insert failed",
				zap.String("work_item_id", tr.WorkItemID), zap.Error(err))
		}
	}
}

// stamp fills the identity columns adapters do not know about.
func stamp(item *model.WorkItem, inv *Invocation) {
	item.TenantID = inv.TenantID
	item.InstanceID = inv.Instance.ID
}

// countReplay records an idempotency hit by tool and record status.
func (d *Dispatcher) countReplay(toolName string, rec *storage.IdempotencyRecord) {
	if d.metrics != nil {
		d.metrics.IdempotencyHits.WithLabelValues(toolName, string(rec.Status)).Inc()
	}
}

// replay turns a stored idempotency record back into the original
// response. Processing records mean a concurrent call is still in flight.
func replay(rec *storage.IdempotencyRecord) (interface{}, error) {
	switch rec.Status {
	case storage.IdempotencyCompleted:
		var result interface{}
		if err := json.Unmarshal(rec.Result, &result); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream5xx, err, "decode stored result")
		}
		return result, nil
	case storage.IdempotencyFailed:
		var stored apperr.Error
		if err := json.Unmarshal(rec.Error, &stored); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream5xx, err, "decode stored error")
		}
		return nil, &stored
	default:
		return nil, apperr.New(apperr.KindConflict, "request with this idempotency key is in flight").
			WithDetails(map[string]interface{}{"in_flight_request_id": rec.RequestID})
	}
}

// argumentDetails flattens a schema validation error into per-field
// messages keyed by instance location.
func argumentDetails(err error) map[string]interface{} {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return map[string]interface{}{"error": err.Error()}
	}
	details := make(map[string]interface{})
	flattenCauses(ve, details)
	return details
}

func flattenCauses(ve *jsonschema.ValidationError, details map[string]interface{}) {
	if len(ve.Causes) == 0 {
		details["/"+strings.Join(ve.InstanceLocation, "/")] = ve.Error()
		return
	}
	for _, cause := range ve.Causes {
		flattenCauses(cause, details)
	}
}
