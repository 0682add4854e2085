package storage

import (
	_ "embed"
	"fmt"

	"github.com/polisai/polis-defense/pkg/config"
	"github.com/polisai/polis-defense/pkg/domain"
)

//go:embed builtin/catalog.yaml
var builtinCatalog []byte

// Builtins returns a fresh copy of the shipped profiles and signatures, including the
// legacy default profile. Every entry is marked builtin.
func Builtins() (*config.Catalog, error) {
	doc, err := config.ParseCatalog(builtinCatalog)
	if err != nil {
		return nil, fmt.Errorf("parse builtin catalog: %w", err)
	}
	cat, err := doc.ToDomain()
	if err != nil {
		return nil, fmt.Errorf("convert builtin catalog: %w", err)
	}
	cat.Profiles = append([]*domain.DefenseProfile{domain.LegacyDefaultProfile()}, cat.Profiles...)
	for _, p := range cat.Profiles {
		p.Builtin = true
	}
	for _, s := range cat.Signatures {
		s.Builtin = true
	}
	return cat, nil
}

// MustBuiltins is Builtins for callers that treat a broken embedded catalog as a
// programming error.
func MustBuiltins() *config.Catalog {
	cat, err := Builtins()
	if err != nil {
		panic(err)
	}
	return cat
}
