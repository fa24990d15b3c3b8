// Package loadbalancer serializes access to a selection strategy and hands
// out leases that bind each request's in-flight accounting to its lifetime.
//
// The strategy lock is held only while a decision is computed or a
// completion is recorded, never across network I/O.
package loadbalancer
