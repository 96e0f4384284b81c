// Package adapter defines the plugin interface that all backend
// integrations implement. Each external system (Jira, GitHub, Asana,
// Linear, ClickUp) provides an adapter translating normalized calls to
// its own HTTP or GraphQL API. The dispatcher uses the interface without
// knowing which backend is behind it.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/model"
)

// SourceAdapter is the capability set polymorphic over backend kind.
// Adapters never retry internally; retry policy belongs to the caller.
type SourceAdapter interface {
	// Name returns the backend kind this adapter serves.
	Name() model.BackendKind

	// TestConnection verifies the instance's credentials against the
	// backend with a cheap authenticated call.
	TestConnection(ctx context.Context) error

	// FetchWorkItems retrieves work items, narrowed by opts.
	FetchWorkItems(ctx context.Context, opts model.FetchOptions) ([]*model.WorkItem, error)

	// FetchWorkItem retrieves a single work item by its backend identifier.
	FetchWorkItem(ctx context.Context, id string) (*model.WorkItem, error)

	// Search runs a backend-translated query string.
	Search(ctx context.Context, query string, limit int) ([]*model.WorkItem, error)

	// CreateWorkItem creates a work item upstream and returns the
	// normalized result with source ID and URL populated.
	CreateWorkItem(ctx context.Context, req *model.CreateRequest) (*model.WorkItem, error)

	// UpdateWorkItem applies a partial field update.
	UpdateWorkItem(ctx context.Context, id string, fields map[string]interface{}) (*model.WorkItem, error)

	// TransitionWorkItem moves a work item to the target status, with an
	// optional comment where the backend supports one.
	TransitionWorkItem(ctx context.Context, id string, to model.Status, comment string) (*model.WorkItem, error)

	// AddComment posts a comment on a work item.
	AddComment(ctx context.Context, id, body string) (*model.Comment, error)

	// FetchComments retrieves a work item's comments.
	FetchComments(ctx context.Context, id string) ([]*model.Comment, error)

	// FetchTransitions retrieves a work item's status history. Backends
	// without retrievable history return an empty slice.
	FetchTransitions(ctx context.Context, id string) ([]*model.Transition, error)

	// LinkWorkItems relates two work items with the given link type.
	LinkWorkItems(ctx context.Context, inwardID, outwardID, linkType string) error

	// Mapper returns the enum mapper for this backend.
	Mapper() EnumMapper
}

// EnumMapper converts status, priority, and type values between a backend's
// native representation and the normalized enums. Inbound conversion is
// total: unknown values collapse to the documented default. Outbound
// conversion is lossy in the other direction.
type EnumMapper interface {
	StatusFromBackend(v interface{}) model.Status
	StatusToBackend(s model.Status) interface{}
	PriorityFromBackend(v interface{}) model.Priority
	PriorityToBackend(p model.Priority) interface{}
	TypeFromBackend(v interface{}) model.WorkItemType
	TypeToBackend(t model.WorkItemType) interface{}
}

// Factory builds an adapter for one instance. The instance supplies the
// base URL; the credential supplies the decrypted auth material. Factories
// own no mutable state.
type Factory func(inst *model.BackendInstance, cred *model.Credential) (SourceAdapter, error)

// Registry maps backend kinds to adapter factories. Backend packages
// register themselves at init time.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.BackendKind]Factory
}

var globalRegistry = &Registry{
	factories: make(map[model.BackendKind]Factory),
}

// Register adds a factory to the global registry. Called from backend
// package init() functions.
func Register(kind model.BackendKind, factory Factory) {
	globalRegistry.Register(kind, factory)
}

// New builds an adapter for the instance using the global registry.
func New(inst *model.BackendInstance, cred *model.Credential) (SourceAdapter, error) {
	return globalRegistry.New(inst, cred)
}

// Kinds returns the registered backend kinds.
func Kinds() []model.BackendKind {
	return globalRegistry.Kinds()
}

// Register adds a factory to this registry.
func (r *Registry) Register(kind model.BackendKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New builds an adapter for the instance's backend kind.
func (r *Registry) New(inst *model.BackendInstance, cred *model.Credential) (SourceAdapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[inst.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "unsupported backend kind %q", inst.Kind).
			WithDetails(map[string]interface{}{"available": kindStrings(r.Kinds())})
	}
	adapter, err := factory(inst, cred)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", inst.Kind, err)
	}
	return adapter, nil
}

// Kinds returns the registered backend kinds, sorted.
func (r *Registry) Kinds() []model.BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]model.BackendKind, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func kindStrings(kinds []model.BackendKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
