package breaker

import (
	"github.com/blobkit/blobproxy/proxy/params"
)

// Names of the three breakers guarding the proxy's external dependencies.
const (
	BlobExecutor   = "blob-executor"
	EscrowContract = "escrow-contract"
	CacheStore     = "cache-store"
)

// Registry holds the process's named breakers. It is constructed once at
// startup and passed by reference; there is no global instance.
type Registry struct {
	breakers map[string]*Breaker
	order    []string
}

// NewRegistry constructs the three named breakers with shared tunables.
func NewRegistry(cfg params.BreakerConfig) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker)}
	for _, name := range []string{BlobExecutor, EscrowContract, CacheStore} {
		r.breakers[name] = New(name, cfg)
		r.order = append(r.order, name)
	}
	return r
}

// Get returns the named breaker, or nil when unknown.
func (r *Registry) Get(name string) *Breaker {
	return r.breakers[name]
}

// AnyOpen reports whether any breaker is currently Open.
func (r *Registry) AnyOpen() bool {
	for _, b := range r.breakers {
		if b.State() == Open {
			return true
		}
	}
	return false
}

// Snapshot returns metrics for every breaker in registration order.
func (r *Registry) Snapshot() []Metrics {
	out := make([]Metrics, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.breakers[name].Snapshot())
	}
	return out
}
