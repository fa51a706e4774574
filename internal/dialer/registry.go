package dialer

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrUnknownVendor is returned for a vendor with no registered client.
var ErrUnknownVendor = eris.New("dialer: unknown vendor")

// Registry maps vendor channel ids to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for name.
func (r *Registry) Register(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
}

// Get returns the client for name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownVendor, "vendor %q", name)
	}
	return c, nil
}

// Names lists registered vendors in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
