// Package broker defines the adapter contract every execution venue
// implements, plus a registry and a generic REST live adapter. Concrete
// wire formats live behind the Adapter interface; the rest of the
// gateway only sees Alerts in and ExecutionResults out.
package broker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"tradegate/pkg/types"
)

// ErrNotConfigured is returned by the registry for an unknown broker key.
var ErrNotConfigured = errors.New("broker: not configured")

// InitResult reports the outcome of adapter initialization.
type InitResult struct {
	Connected        bool     `json:"connected"`
	AccountIDs       []string `json:"account_ids"`
	DefaultAccountID string   `json:"default_account_id"`
	Capabilities     []string `json:"capabilities"`
}

// Adapter is one execution venue. Implementations must be safe for
// concurrent use by multiple orchestrator workers and must respect the
// context deadline on every call.
type Adapter interface {
	Initialize(ctx context.Context) (*InitResult, error)
	ExecuteAlert(ctx context.Context, a *types.Alert, accountID string) (*types.ExecutionResult, error)
	GetPositions(ctx context.Context, accountID string) ([]*types.Position, error)
	GetQuote(ctx context.Context, symbol string) (*types.Quote, error)
	Close() error
}

// Registry holds the configured adapters keyed by broker key.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(key string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key] = a
}

func (r *Registry) Get(key string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	if !ok {
		return nil, ErrNotConfigured
	}
	return a, nil
}

func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[key]
	return ok
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloseAll closes every adapter, keeping the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for key, a := range r.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.adapters, key)
	}
	return first
}
