// Package memory provides the low-level primitives for object reuse
// between the hot path and the background flush jobs: a typed pool and
// a lock-free SPSC retire ring. The package is dependency-free.
package memory
