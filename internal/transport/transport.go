// Package transport defines the abstract remote-invocation facade (C4) the
// core consumes: "look up peers by name prefix" and "invoke named method on
// remote peer by name." The core never talks sockets directly; it only
// depends on this interface, so tests can supply an in-process fake with
// controllable delays and drops (see spec's Design Notes §9).
package transport

import "context"

// Method names understood by every peer's RPC surface (spec.md §6).
const (
	MethodHello            = "hello"
	MethodRequestResource  = "request_resource"
	MethodReceiveReply     = "receive_reply"
	MethodReceiveHeartbeat = "receive_heartbeat"
)

// RequestArgs is the payload of a request_resource call.
type RequestArgs struct {
	Timestamp uint64
	Name      string
}

// Transport is the facade the CS state machine and the failure detector
// depend on. Implementations must be safe for concurrent use; callers wrap
// every call in their own goroutine when fan-out is required, so a call
// itself need not be internally concurrent.
type Transport interface {
	// LookupPeers enumerates the names currently registered under prefix.
	// Fake leaves out the caller; HTTPTransport returns the registry's
	// roster as is, which includes the caller once it has registered.
	// Used only by the discovery phase of the failure detector, which
	// skips its own name.
	LookupPeers(ctx context.Context, prefix string) ([]string, error)

	// Hello probes a peer for liveness. A nil error means alive.
	Hello(ctx context.Context, peer string) error

	// RequestResource sends a REQUEST(timestamp, name) to peer and returns
	// true if granted immediately, false if deferred.
	RequestResource(ctx context.Context, peer string, args RequestArgs) (bool, error)

	// ReceiveReply delivers a deferred REPLY to peer.
	ReceiveReply(ctx context.Context, peer string, from string) error

	// ReceiveHeartbeat asserts liveness of the caller to peer.
	ReceiveHeartbeat(ctx context.Context, peer string, from string) error
}

// Inbound is implemented by a peer's core and driven by an inbound
// dispatcher (HTTP handlers, or the fake transport's direct calls).
// Methods may be invoked concurrently; the core serializes them internally.
type Inbound interface {
	Hello() error
	OnRequest(requesterTimestamp uint64, requesterName string) bool
	OnReply(from string)
	OnHeartbeat(from string)
}
