// Package engine evaluates request facts against defense profile graphs.
//
// Architecture:
//
// executor.go   - Single-profile graph walk (budgets, on-demand operator inputs, trace)
// aggregator.go - Multi-profile fan-out and OR/AND/MAJORITY, SUM/MAX/WEIGHTED_AVG laws
// lines.go      - Sequential defense lines evaluated after the base decision
// engine.go     - Engine façade: Evaluate, Validate, Simulate over a catalog snapshot
// simulator.go  - Dry-run previews for the authoring tool
//
// Node evaluators live in the nodes subpackage; the contracts capabilities implement
// live in runtime.
package engine
