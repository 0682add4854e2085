// Package governance provides the runtime safety controls the defense engine wraps
// around capability calls: circuit breaking for networked dependencies, bounded calls
// that never outlive their deadline, and keyed token-bucket rate limiting.
package governance
