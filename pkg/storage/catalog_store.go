// Package storage holds the published defense catalog. Writers build a new immutable
// snapshot and swap it in atomically; readers never lock.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-defense/pkg/config"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/graph"
)

// Options configures a CatalogStore.
type Options struct {
	Logger *slog.Logger
	// Builtins are installed underneath every catalog. Nil means none.
	Builtins *config.Catalog
	// MaxDepth bounds graph depth during install-time validation.
	MaxDepth int
	// OnInstall is called with every published snapshot while the write lock is held.
	OnInstall func(*domain.Catalog)
}

// CatalogStore publishes immutable domain.Catalog snapshots.
type CatalogStore struct {
	logger    *slog.Logger
	graphOpts graph.Options
	onInstall func(*domain.Catalog)

	builtinProfiles   map[string]*domain.DefenseProfile
	builtinSignatures map[string]*domain.AttackSignature

	// mu serialises writers. authored is the unresolved state the current
	// snapshot was built from.
	mu         sync.Mutex
	authored   *config.Catalog
	generation uint64
	current    atomic.Pointer[domain.Catalog]
}

// NewCatalogStore creates a store holding only the builtins.
func NewCatalogStore(opts Options) (*CatalogStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &CatalogStore{
		logger:            logger.With("component", "catalog_store"),
		graphOpts:         graph.Options{MaxDepth: opts.MaxDepth},
		onInstall:         opts.OnInstall,
		builtinProfiles:   make(map[string]*domain.DefenseProfile),
		builtinSignatures: make(map[string]*domain.AttackSignature),
	}
	if opts.Builtins != nil {
		for _, p := range opts.Builtins.Profiles {
			c := p.Clone()
			c.Builtin = true
			s.builtinProfiles[c.ID] = c
		}
		for _, sig := range opts.Builtins.Signatures {
			c := sig.Clone()
			c.Builtin = true
			s.builtinSignatures[c.ID] = c
		}
	}
	if err := s.Install(&config.Catalog{}); err != nil {
		return nil, fmt.Errorf("install builtin catalog: %w", err)
	}
	return s, nil
}

// Current returns the published snapshot. It never returns nil.
func (s *CatalogStore) Current() *domain.Catalog {
	return s.current.Load()
}

// Install replaces the authored catalog. Builtins are layered underneath: an
// authored profile with a builtin id replaces it but stays builtin. Cyclic or
// dangling extends reject the whole catalog and keep the previous snapshot. Profiles
// that fail validation are published with their errors recorded.
func (s *CatalogStore) Install(cat *config.Catalog) error {
	if cat == nil {
		cat = &config.Catalog{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(cat)
}

// PutProfile creates or replaces one profile. The resolved profile, and every
// profile extending it, must validate.
func (s *CatalogStore) PutProfile(p *domain.DefenseProfile) error {
	if p == nil || p.ID == "" {
		return &domain.ConfigurationError{Reason: "profile has no id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyAuthoredLocked()
	c := p.Clone()
	c.Builtin = false
	next.Profiles = replaceProfile(next.Profiles, c)

	snap, err := s.buildLocked(next)
	if err != nil {
		return err
	}
	for _, id := range dependents(snap, p.ID) {
		if errs := snap.Invalid[id]; len(errs) > 0 {
			return &domain.ValidationError{Errors: prefixed(id, errs)}
		}
	}
	s.commitLocked(next, snap)
	return nil
}

// DeleteProfile removes an authored profile. Builtin profiles cannot be deleted, and
// neither can a profile other profiles extend.
func (s *CatalogStore) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	p, ok := snap.Profile(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProfileNotFound, id)
	}
	if p.Builtin {
		return fmt.Errorf("%w: %s", domain.ErrBuiltinProfile, id)
	}

	next := s.copyAuthoredLocked()
	kept := next.Profiles[:0]
	for _, candidate := range next.Profiles {
		if candidate.ID != id {
			kept = append(kept, candidate)
		}
	}
	next.Profiles = kept
	return s.publishLocked(next)
}

// ResetProfile restores a builtin profile to its shipped definition.
func (s *CatalogStore) ResetProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builtinProfiles[id]; !ok {
		if _, exists := s.current.Load().Profile(id); !exists {
			return fmt.Errorf("%w: %s", domain.ErrProfileNotFound, id)
		}
		return fmt.Errorf("%w: %s", domain.ErrNotBuiltin, id)
	}

	next := s.copyAuthoredLocked()
	kept := next.Profiles[:0]
	for _, candidate := range next.Profiles {
		if candidate.ID != id {
			kept = append(kept, candidate)
		}
	}
	next.Profiles = kept
	return s.publishLocked(next)
}

// Authored returns the unresolved profile as last written, falling back to the
// shipped builtin.
func (s *CatalogStore) Authored(id string) (*domain.DefenseProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authored != nil {
		for _, p := range s.authored.Profiles {
			if p.ID == id {
				return p.Clone(), true
			}
		}
	}
	if p, ok := s.builtinProfiles[id]; ok {
		return p.Clone(), true
	}
	return nil, false
}

// Resolve flattens the extends chain of a draft profile against the authored catalog
// without publishing it.
func (s *CatalogStore) Resolve(p *domain.DefenseProfile) (*domain.DefenseProfile, error) {
	if p == nil {
		return nil, &domain.ConfigurationError{Reason: "profile is empty"}
	}
	if p.Extends == "" {
		return p.Clone(), nil
	}
	s.mu.Lock()
	authored := make(map[string]*domain.DefenseProfile, len(s.builtinProfiles))
	for id, b := range s.builtinProfiles {
		authored[id] = b
	}
	if s.authored != nil {
		for _, a := range s.authored.Profiles {
			authored[a.ID] = a
		}
	}
	s.mu.Unlock()

	authored[p.ID] = p
	if _, ok := authored[p.Extends]; !ok {
		return nil, &domain.ConfigurationError{
			Subject: "profile " + p.ID,
			Reason:  "extends unknown profile " + p.Extends,
			Err:     domain.ErrProfileNotFound,
		}
	}
	return resolveOne(p.ID, authored, make(map[string]*domain.DefenseProfile), nil)
}

func (s *CatalogStore) publishLocked(cat *config.Catalog) error {
	snap, err := s.buildLocked(cat)
	if err != nil {
		return err
	}
	s.commitLocked(cat, snap)
	return nil
}

func (s *CatalogStore) commitLocked(cat *config.Catalog, snap *domain.Catalog) {
	s.generation = snap.Generation
	s.authored = cat
	s.current.Store(snap)
	if s.onInstall != nil {
		s.onInstall(snap)
	}
	s.logger.Info("defense catalog installed",
		"generation", snap.Generation,
		"profiles", len(snap.Profiles),
		"signatures", len(snap.Signatures),
		"endpoints", len(snap.Endpoints),
		"invalid_profiles", len(snap.Invalid),
	)
}

// buildLocked layers cat over the builtins, resolves inheritance and validates every
// resolved profile once.
func (s *CatalogStore) buildLocked(cat *config.Catalog) (*domain.Catalog, error) {
	authored := make(map[string]*domain.DefenseProfile, len(s.builtinProfiles)+len(cat.Profiles))
	for id, p := range s.builtinProfiles {
		authored[id] = p
	}
	for _, p := range cat.Profiles {
		if p == nil || p.ID == "" {
			return nil, &domain.ConfigurationError{Reason: "profile has no id"}
		}
		c := p.Clone()
		_, c.Builtin = s.builtinProfiles[p.ID]
		authored[p.ID] = c
	}

	profiles, err := resolveAll(authored)
	if err != nil {
		return nil, err
	}

	signatures := make(map[string]*domain.AttackSignature, len(s.builtinSignatures)+len(cat.Signatures))
	for id, sig := range s.builtinSignatures {
		signatures[id] = sig
	}
	for _, sig := range cat.Signatures {
		if sig == nil || sig.ID == "" {
			return nil, &domain.ConfigurationError{Reason: "signature has no id"}
		}
		c := sig.Clone()
		_, c.Builtin = s.builtinSignatures[sig.ID]
		signatures[sig.ID] = c
	}

	snap := &domain.Catalog{
		Generation:       s.generation + 1,
		Profiles:         profiles,
		Signatures:       signatures,
		DefaultProfileID: cat.DefaultProfileID,
		Endpoints:        append([]domain.EndpointBinding(nil), cat.Endpoints...),
		Invalid:          make(map[string][]string),
	}

	for _, id := range sortedKeys(profiles) {
		if err := graph.ValidateProfile(profiles[id], s.graphOpts); err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				snap.Invalid[id] = append([]string(nil), verr.Errors...)
			} else {
				snap.Invalid[id] = []string{err.Error()}
			}
			s.logger.Warn("defense profile failed validation", "profile_id", id, "errors", snap.Invalid[id])
		}
	}
	s.warnDanglingReferences(snap)
	return snap, nil
}

func (s *CatalogStore) warnDanglingReferences(snap *domain.Catalog) {
	if snap.DefaultProfileID != "" {
		if _, ok := snap.Profile(snap.DefaultProfileID); !ok {
			s.logger.Warn("default profile not found; using legacy default", "profile_id", snap.DefaultProfileID)
		}
	}
	for _, ep := range snap.Endpoints {
		for _, ref := range ep.Attachment.Profiles {
			if _, ok := snap.Profile(ref.ID); !ok {
				s.logger.Warn("endpoint attaches unknown profile", "host", ep.Host, "path_prefix", ep.PathPrefix, "profile_id", ref.ID)
			}
		}
	}
}

func (s *CatalogStore) copyAuthoredLocked() *config.Catalog {
	if s.authored == nil {
		return &config.Catalog{}
	}
	c := *s.authored
	c.Profiles = append([]*domain.DefenseProfile(nil), s.authored.Profiles...)
	return &c
}

func replaceProfile(profiles []*domain.DefenseProfile, p *domain.DefenseProfile) []*domain.DefenseProfile {
	for i, existing := range profiles {
		if existing.ID == p.ID {
			profiles[i] = p
			return profiles
		}
	}
	return append(profiles, p)
}

// dependents returns id and every profile whose extends chain reaches id.
func dependents(snap *domain.Catalog, id string) []string {
	out := []string{id}
	for _, candidate := range snap.ProfileIDs() {
		cur, ok := snap.Profile(candidate)
		for depth := 0; ok && cur.Extends != "" && depth < len(snap.Profiles); depth++ {
			if cur.Extends == id {
				out = append(out, candidate)
				break
			}
			cur, ok = snap.Profile(cur.Extends)
		}
	}
	return out
}

func prefixed(id string, errs []string) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = id + ": " + e
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
