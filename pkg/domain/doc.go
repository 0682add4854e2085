// Package domain defines the core business types of the defense profile engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, HTTP, Redis, OPA, etc.)
// - Immutable once published inside a Catalog snapshot
// - Testable in isolation without mocks
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Graph nodes are modelled as a sealed interface (Node) with one concrete type per
// node kind, so a node only ever carries the fields that are valid for its kind.
package domain
