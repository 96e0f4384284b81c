package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unitrack/unitrack/internal/adapter"
	"github.com/unitrack/unitrack/internal/model"
	"github.com/unitrack/unitrack/internal/registry"
	"github.com/unitrack/unitrack/internal/storage"
)

// AdapterFunc builds an adapter for a resolved instance. Production wiring
// uses adapter.New; tests substitute fakes.
type AdapterFunc func(inst *model.BackendInstance, cred *model.Credential) (adapter.SourceAdapter, error)

// Syncer refreshes the warehouse copy of work items named by push events,
// by re-fetching them from the backend. The event payload only triggers
// the fetch; the backend's current state is authoritative.
type Syncer struct {
	store      storage.Store
	registry   *registry.Registry
	newAdapter AdapterFunc
}

// NewSyncer creates a Syncer. A nil newAdapter falls back to the global
// adapter registry.
func NewSyncer(store storage.Store, reg *registry.Registry, newAdapter AdapterFunc) *Syncer {
	if newAdapter == nil {
		newAdapter = adapter.New
	}
	return &Syncer{store: store, registry: reg, newAdapter: newAdapter}
}

// RegisterAll wires the syncer as the wildcard handler for every backend.
func (s *Syncer) RegisterAll(r *Receiver) {
	for _, kind := range []model.BackendKind{
		model.BackendJira, model.BackendGitHub, model.BackendAsana,
		model.BackendLinear, model.BackendClickUp,
	} {
		r.Register(kind, "*", s.Handle)
	}
}

// Handle re-fetches every work item the event names, plus its comments,
// and upserts them.
func (s *Syncer) Handle(ctx context.Context, ev *Event) (interface{}, error) {
	ids := itemIDs(ev.Backend, ev.Payload)
	if len(ids) == 0 {
		return map[string]interface{}{"synced": 0, "comments": 0}, nil
	}

	inst, err := s.registry.Resolve(ctx, ev.TenantID, ev.InstanceID)
	if err != nil {
		return nil, err
	}
	cred, err := s.registry.Credentials(inst)
	if err != nil {
		return nil, err
	}
	adp, err := s.newAdapter(inst, cred)
	if err != nil {
		return nil, err
	}

	synced := 0
	comments := 0
	for _, id := range ids {
		item, err := adp.FetchWorkItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("sync %s: %w", id, err)
		}
		item.TenantID = inst.TenantID
		item.InstanceID = inst.ID
		if err := s.store.UpsertWorkItem(ctx, item); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", id, err)
		}
		synced++

		cs, err := adp.FetchComments(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("sync comments %s: %w", id, err)
		}
		for _, c := range cs {
			if c.WorkItemID == "" {
				c.WorkItemID = id
			}
			if err := s.store.UpsertComment(ctx, inst.TenantID, c); err != nil {
				return nil, fmt.Errorf("upsert comment %s: %w", c.SourceID, err)
			}
			comments++
		}
	}
	return map[string]interface{}{"synced": synced, "comments": comments}, nil
}

// itemIDs extracts the backend identifiers an event touches. Unknown
// payload shapes yield nothing; the delivery still succeeds.
func itemIDs(kind model.BackendKind, payload json.RawMessage) []string {
	switch kind {
	case model.BackendJira:
		var doc struct {
			Issue struct {
				ID string `json:"id"`
			} `json:"issue"`
		}
		if json.Unmarshal(payload, &doc) == nil && doc.Issue.ID != "" {
			return []string{doc.Issue.ID}
		}
	case model.BackendGitHub:
		var doc struct {
			Issue struct {
				Number int `json:"number"`
			} `json:"issue"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		}
		if json.Unmarshal(payload, &doc) == nil && doc.Issue.Number > 0 && doc.Repository.FullName != "" {
			return []string{fmt.Sprintf("%s#%d", doc.Repository.FullName, doc.Issue.Number)}
		}
	case model.BackendAsana:
		var doc struct {
			Events []struct {
				Resource struct {
					GID          string `json:"gid"`
					ResourceType string `json:"resource_type"`
				} `json:"resource"`
			} `json:"events"`
		}
		if json.Unmarshal(payload, &doc) == nil {
			var ids []string
			seen := map[string]bool{}
			for _, ev := range doc.Events {
				if ev.Resource.ResourceType == "task" && ev.Resource.GID != "" && !seen[ev.Resource.GID] {
					seen[ev.Resource.GID] = true
					ids = append(ids, ev.Resource.GID)
				}
			}
			return ids
		}
	case model.BackendLinear:
		var doc struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if json.Unmarshal(payload, &doc) == nil && doc.Data.ID != "" {
			return []string{doc.Data.ID}
		}
	case model.BackendClickUp:
		var doc struct {
			TaskID string `json:"task_id"`
		}
		if json.Unmarshal(payload, &doc) == nil && doc.TaskID != "" {
			return []string{doc.TaskID}
		}
	}
	return nil
}
