package strategy

import (
	"fmt"
	"sync"
)

// Registry holds the strategies known to the process, in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byKey: make(map[string]Strategy)}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// DefaultRegistry returns momentum, crossover and mean_reversion.
func DefaultRegistry() *Registry {
	return NewRegistry(Momentum{}, Crossover{}, MeanReversion{})
}

func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byKey[s.Name()]; dup {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.byKey[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[name]
	return s, ok
}

// All returns strategies in registration order.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byKey[name])
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
