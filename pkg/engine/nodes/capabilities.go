package nodes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// CapabilitySet maps defense types to the capability a defense node calls.
type CapabilitySet struct {
	mu   sync.RWMutex
	caps map[domain.DefenseType]runtime.Capability
}

// NewCapabilitySet returns an empty set.
func NewCapabilitySet() *CapabilitySet {
	return &CapabilitySet{caps: make(map[domain.DefenseType]runtime.Capability)}
}

// Register installs the capability for a defense type, replacing any previous one.
func (s *CapabilitySet) Register(defense domain.DefenseType, capability runtime.Capability) error {
	if !defense.Valid() {
		return fmt.Errorf("%w: unknown defense %q", domain.ErrConfigInvalid, defense)
	}
	if capability == nil {
		return fmt.Errorf("%w: nil capability for %q", domain.ErrConfigInvalid, defense)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[defense] = capability
	return nil
}

// Get returns the capability for a defense type.
func (s *CapabilitySet) Get(defense domain.DefenseType) (runtime.Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caps[defense]
	return c, ok
}

// Types lists the registered defense types in lexical order.
func (s *CapabilitySet) Types() []domain.DefenseType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DefenseType, 0, len(s.caps))
	for d := range s.caps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
