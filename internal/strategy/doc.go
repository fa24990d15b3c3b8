// Package strategy defines the target selection interface and its two
// policies:
//
//   - Round Robin: fixed rotation through the configured targets
//   - Least Connections: routes to the target with the fewest in-flight
//     requests, ties broken by configured order
//
// Strategies hold plain mutable state and are not goroutine-safe on their
// own. The loadbalancer package serializes every Select and OnComplete.
package strategy
