// Package registry resolves which backend instance a tool invocation runs
// against and supplies the instance's decrypted credentials to the adapter
// factory. Credential plaintext never crosses the package boundary except
// as the adapter's auth material; log lines carry only instance IDs.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/model"
	"github.com/unitrack/unitrack/internal/storage"
)

// Registry resolves tenant instances and opens their credentials.
type Registry struct {
	store  storage.Store
	cipher *Cipher
}

// New creates a Registry over the given store and credential cipher.
func New(store storage.Store, cipher *Cipher) *Registry {
	return &Registry{store: store, cipher: cipher}
}

// Resolve returns the canonical instance for (tenant, optional instance-id).
// When instanceID is empty, the tenant must have exactly one active
// instance. Missing or inactive instances surface as not_found.
func (r *Registry) Resolve(ctx context.Context, tenantID, instanceID string) (*model.BackendInstance, error) {
	var (
		inst *model.BackendInstance
		err  error
	)
	if instanceID == "" {
		inst, err = r.store.GetActiveInstance(ctx, tenantID)
	} else {
		inst, err = r.store.GetInstance(ctx, tenantID, instanceID)
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.New(apperr.KindNotFound, "backend instance not found").
			WithDetails(map[string]interface{}{"instance_id": instanceID, "resource": "instance"})
	case errors.Is(err, storage.ErrAmbiguousInstance):
		return nil, apperr.New(apperr.KindValidation,
			"tenant has multiple active instances; specify instance_id")
	case err != nil:
		return nil, fmt.Errorf("resolve instance: %w", err)
	}

	if !inst.Active {
		return nil, apperr.New(apperr.KindNotFound, "backend instance is inactive").
			WithDetails(map[string]interface{}{"instance_id": inst.ID, "resource": "instance"})
	}
	return inst, nil
}

// Credentials decrypts the instance's auth material.
func (r *Registry) Credentials(inst *model.BackendInstance) (*model.Credential, error) {
	cred, err := r.cipher.Open(inst.CredentialBlob)
	if err != nil {
		return nil, fmt.Errorf("open credentials for instance %s: %w", inst.ID, err)
	}
	return cred, nil
}
