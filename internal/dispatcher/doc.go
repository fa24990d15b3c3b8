// Package dispatcher owns the inbound listener and the forwarding pipeline.
//
// Every accepted connection is served by its own goroutine, which reads
// HTTP/1.1 requests one after another. Each request leases a target from the
// load balancer, is counted by the aggregator, and is forwarded over a new
// TCP connection to that target; the response is streamed back before the
// next request on the same connection is read, so pipelined requests are
// answered in arrival order.
//
// Outbound failures are never retried. When nothing has been relayed yet the
// caller receives 502 Bad Gateway and the connection is closed; otherwise the
// connection is simply closed.
package dispatcher
