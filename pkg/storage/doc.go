// Package storage defines shared storage concerns: sentinel errors and
// caller/tenant context propagation. Concrete stores live in the memory
// and postgres subpackages and implement the interfaces declared in
// pkg/transport.
package storage
