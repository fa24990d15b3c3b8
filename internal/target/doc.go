// Package target defines upstream target identifiers and the immutable,
// ordered target set the router distributes requests across.
package target
