// Package provider normalizes channel-provider payloads. Each adapter
// maps one provider's webhook shapes onto the canonical inbound message
// and status update forms, and optionally sends outbound text.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/omini/omini-core/internal/domain"
)

// ErrSendUnsupported marks adapters that only receive.
var ErrSendUnsupported = errors.New("provider: send not supported")

// ErrBadPayload marks a payload the adapter cannot parse.
var ErrBadPayload = errors.New("provider: malformed payload")

// Adapter translates between one provider's wire shapes and the
// canonical forms.
type Adapter interface {
	// Name is the provider key stored on channels.
	Name() string

	// ParseInbound extracts zero or more inbound messages from a raw
	// webhook payload.
	ParseInbound(payload []byte) ([]domain.InboundMessage, error)

	// ParseStatus extracts zero or more status updates from a raw
	// status callback payload. Updates with Known=false carried a
	// provider status string outside the canonical set.
	ParseStatus(payload []byte) ([]domain.StatusUpdate, error)

	// SendText delivers a text message to the recipient's provider
	// identity and returns the provider's message id. Adapters that
	// cannot send return ErrSendUnsupported.
	SendText(ctx context.Context, ch *domain.Channel, recipient, text string) (string, error)
}

// Registry holds the known adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one for the name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for the provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown adapter %q", name)
	}
	return a, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
