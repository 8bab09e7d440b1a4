package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

// ErrSealed is returned by Register once startup registration has ended.
var ErrSealed = errors.New("provider registry is sealed")

// Registry maps provider names to implementations. It is populated during
// startup and sealed; after Seal, Resolve reads the map without locking.
type Registry struct {
	mu        sync.RWMutex
	sealed    atomic.Bool
	providers map[string]provider.Provider
}

func New() *Registry {
	return &Registry{providers: make(map[string]provider.Provider)}
}

// normalizeName lowercases the name so lookup is case-insensitive.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a binding. Replacing an existing binding is refused.
func (r *Registry) Register(name string, p provider.Provider) error {
	key := normalizeName(name)
	if key == "" || p == nil {
		return fmt.Errorf("%w: provider name and implementation are required", models.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrSealed
	}
	if _, exists := r.providers[key]; exists {
		return fmt.Errorf("%w: %q", models.ErrDuplicateProvider, key)
	}
	r.providers[key] = p
	return nil
}

// MustRegister is Register for startup wiring, where a failure is a bug.
func (r *Registry) MustRegister(name string, p provider.Provider) {
	if err := r.Register(name, p); err != nil {
		panic(err)
	}
}

// Seal ends registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Resolve(name string) (provider.Provider, error) {
	key := normalizeName(name)
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownProvider, name)
	}
	return p, nil
}

// Has reports whether a binding exists for name.
func (r *Registry) Has(name string) bool {
	_, err := r.Resolve(name)
	return err == nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
