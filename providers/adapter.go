// Package providers defines the capability contract every accounting
// provider adapter satisfies, plus the shared HTTP plumbing adapters build
// on. Each provider is a tagged variant implementing the same interface,
// selected at job-dispatch time by provider id.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mmdatafocus/synchub_backend/models"
)

type Account struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Adapter translates unified entities to and from one provider's wire
// format. Calls are synchronous from the worker's perspective but may
// perform multiple provider round trips internally (duplicate lookup, token
// exchange). Adapters never retry beyond a single provider call attempt;
// retry policy is centralized in the orchestrator.
//
// The access token is passed explicitly on every call: there is no ambient
// credential state anywhere in the hub.
type Adapter interface {
	ID() string

	// UpsertCustomer updates when existingExternalId is set, creates
	// otherwise. Provider-side duplicate name/email conflicts surface as
	// syncerr CONFLICT (with the existing id when the provider reports it),
	// never as a generic failure.
	UpsertCustomer(ctx context.Context, accessToken string, customer *models.UnifiedCustomer, existingExternalId string) (string, error)

	// UpsertInvoice requires the customer's external id; the orchestrator
	// resolves it from the mapping store before dispatching.
	UpsertInvoice(ctx context.Context, accessToken string, invoice *models.UnifiedInvoice, customerExternalId string, existingExternalId string) (string, error)

	// UpsertPayment applies a payment to a provider invoice. The provider's
	// invoice status reflects the payment afterwards; adapters that cannot
	// express partial payment atomically document the approximation.
	UpsertPayment(ctx context.Context, accessToken string, payment *models.UnifiedPayment, invoiceExternalId string) (string, error)

	ListAccounts(ctx context.Context, accessToken string) ([]Account, error)

	// Delete propagates a source-entity deletion (void for invoices).
	Delete(ctx context.Context, accessToken string, entityType models.EntityType, externalId string) error
}

// Registry holds the configured adapters keyed by provider id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	oauth    map[string]OAuthConfig
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		oauth:    map[string]OAuthConfig{},
	}
}

func (r *Registry) Register(a Adapter, oauth OAuthConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
	r.oauth[a.ID()] = oauth
}

func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", provider)
	}
	return a, nil
}

func (r *Registry) OAuth(provider string) (OAuthConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.oauth[provider]
	if !ok {
		return OAuthConfig{}, fmt.Errorf("no oauth config for provider %q", provider)
	}
	return cfg, nil
}

func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
