// Package platforms holds the capability registry that maps a platform
// identifier to its PlatformClient, plus helpers shared by the HTTP clients.
package platforms

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// ErrUnsupportedPlatform is returned when no client is registered.
var ErrUnsupportedPlatform = goerrors.New("platforms: unsupported platform", goerrors.CategoryNotFound).
	WithTextCode("PLATFORM_UNSUPPORTED")

// Registry resolves platform clients by identifier. It is built once at
// composition time and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]interfaces.PlatformClient
}

// NewRegistry registers the supplied clients.
func NewRegistry(clients ...interfaces.PlatformClient) *Registry {
	r := &Registry{clients: make(map[string]interfaces.PlatformClient, len(clients))}
	for _, client := range clients {
		r.Register(client)
	}
	return r
}

// Register adds or replaces the client for its platform.
func (r *Registry) Register(client interfaces.PlatformClient) {
	if client == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[normalize(client.Platform())] = client
}

// Get resolves the client for platform.
func (r *Registry) Get(platform string) (interfaces.PlatformClient, error) {
	r.mu.RLock()
	client, ok := r.clients[normalize(platform)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	return client, nil
}

// Platforms lists the registered identifiers in order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
