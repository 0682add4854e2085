package domain

import (
	"sort"
	"strings"
)

// Catalog is an immutable configuration snapshot. It is never modified after it is
// published; writers build a new Catalog and swap it in.
type Catalog struct {
	Generation       uint64
	Profiles         map[string]*DefenseProfile
	Signatures       map[string]*AttackSignature
	DefaultProfileID string
	Endpoints        []EndpointBinding
	// Invalid maps profile ids to the validation errors found at install time.
	Invalid map[string][]string
}

// Profile returns a resolved profile by id.
func (c *Catalog) Profile(id string) (*DefenseProfile, bool) {
	if c == nil {
		return nil, false
	}
	p, ok := c.Profiles[id]
	return p, ok && p != nil
}

// Signature implements SignatureLookup.
func (c *Catalog) Signature(id string) (*AttackSignature, bool) {
	if c == nil {
		return nil, false
	}
	s, ok := c.Signatures[id]
	return s, ok && s != nil
}

// ValidationErrors returns the install-time validation errors of a profile.
func (c *Catalog) ValidationErrors(id string) []string {
	if c == nil {
		return nil
	}
	return c.Invalid[id]
}

// ProfileIDs returns the profile ids in lexical order.
func (c *Catalog) ProfileIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Profiles))
	for id := range c.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultProfile returns the configured default profile, falling back to the
// shipped legacy default.
func (c *Catalog) DefaultProfile() *DefenseProfile {
	if c != nil && c.DefaultProfileID != "" {
		if p, ok := c.Profile(c.DefaultProfileID); ok {
			return p
		}
	}
	if p, ok := c.Profile(LegacyDefaultProfileID); ok {
		return p
	}
	return LegacyDefaultProfile()
}

// Endpoint returns the binding with the longest matching path prefix for host.
// Bindings with an empty host match every host.
func (c *Catalog) Endpoint(host, path string) (EndpointBinding, bool) {
	if c == nil {
		return EndpointBinding{}, false
	}
	best := -1
	for i, ep := range c.Endpoints {
		if ep.Host != "" && !strings.EqualFold(ep.Host, host) {
			continue
		}
		if !strings.HasPrefix(path, ep.PathPrefix) {
			continue
		}
		if best < 0 || len(ep.PathPrefix) > len(c.Endpoints[best].PathPrefix) ||
			(len(ep.PathPrefix) == len(c.Endpoints[best].PathPrefix) && ep.Host != "" && c.Endpoints[best].Host == "") {
			best = i
		}
	}
	if best < 0 {
		return EndpointBinding{}, false
	}
	return c.Endpoints[best], true
}
