// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/sleeptrack/internal/types"
)

// Handler delivers a message to a recipient.
type Handler func(to types.Recipient, message string) error

// Registry routes messages to the appropriate delivery handler based on
// recipient prefix (e.g. "telegram:", "log:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for recipients starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the recipient prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(to types.Recipient, message string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(string(to), prefix) {
			return handler(to, message)
		}
	}
	return fmt.Errorf("no delivery handler for recipient: %s", to)
}

// Prefixes lists the registered prefixes.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	return out
}
