// Package capability provides the default detection capabilities behind defense nodes
// and the observers behind observation nodes.
//
// Capabilities are intentionally small: the engine only relies on the shape of
// runtime.DefenseOutcome. Backends that leave the process (Redis, Rego policies,
// external resolvers) are wrapped with a circuit breaker by Defaults.
package capability
