// Package cs implements the Ricart–Agrawala critical-section state machine
// (C3): request/reply/release logic, pending-reply tracking, the
// deferred-reply queue, and the hold timeout, as specified in spec.md §4.3.
package cs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/clock"
	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/config"
	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/transport"
)

// ActivePeerSource is the narrow view of the membership table (C2) the CS
// state machine needs: a snapshot of currently-active peer names, taken
// once at request start (spec.md §3: "expected_repliers ... the active-peer
// set snapshot at request start").
type ActivePeerSource interface {
	Active() []string
}

// Auditor is an optional, purely observational sink for completed CS
// transitions (grants/releases). Never consulted for correctness.
type Auditor interface {
	RecordGrant(peer string, requestTimestamp uint64, waited time.Duration)
	RecordRelease(peer string, held time.Duration)
}

type noopAuditor struct{}

func (noopAuditor) RecordGrant(string, uint64, time.Duration) {}
func (noopAuditor) RecordRelease(string, time.Duration)       {}

// Metrics is the narrow observability hook the CS state machine drives. A
// no-op implementation is used when metrics aren't wired.
type Metrics interface {
	ObserveRequest()
	ObserveGrant(wait time.Duration)
	ObserveDenialTimeout()
	ObserveDeferral()
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest()            {}
func (noopMetrics) ObserveGrant(time.Duration) {}
func (noopMetrics) ObserveDenialTimeout()      {}
func (noopMetrics) ObserveDeferral()           {}

// Node is one peer's critical-section state machine. It owns cs_mutex from
// spec.md §5 (guarding S, T, request_timestamp, expected_repliers,
// received_replies, and D) and consults the clock on every inbound and
// outbound coordination message.
type Node struct {
	name   string
	clock  *clock.Lamport
	trans  transport.Transport
	active ActivePeerSource
	log    logrus.FieldLogger
	timing config.Timing
	audit  Auditor
	metr   Metrics

	heartbeatSink HeartbeatSink
	evictor       Evictor

	mu               sync.Mutex
	state            State
	requestTimestamp uint64
	expectedRepliers map[string]struct{}
	receivedReplies  map[string]struct{}
	deferred         []string
	deferredSet      map[string]struct{}
	completion       chan struct{}
	signaled         bool
	holdTimer        *time.Timer
	requestStarted   time.Time
	heldSince        time.Time
}

// Option configures optional collaborators on New.
type Option func(*Node)

// WithAuditor wires an observational audit sink.
func WithAuditor(a Auditor) Option {
	return func(n *Node) { n.audit = a }
}

// WithMetrics wires a Prometheus (or other) metrics sink.
func WithMetrics(m Metrics) Option {
	return func(n *Node) { n.metr = m }
}

// New builds a Node for peer `name`. active supplies active-peer snapshots
// (typically a *membership.Table); trans is the remote invocation facade.
func New(name string, trans transport.Transport, active ActivePeerSource, timing config.Timing, log logrus.FieldLogger, opts ...Option) *Node {
	n := &Node{
		name:        name,
		clock:       clock.New(),
		trans:       trans,
		active:      active,
		log:         log,
		timing:      timing,
		audit:       noopAuditor{},
		metr:        noopMetrics{},
		state:       Released,
		deferredSet: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Clock exposes the node's Lamport clock, mainly for debugging/tests.
func (n *Node) Clock() *clock.Lamport { return n.clock }

// Name returns the peer's identity.
func (n *Node) Name() string { return n.name }

// State returns the current CS state (debugging/tests only).
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Enter asks to acquire the critical section, per spec.md §4.3's enter().
// It returns true on success (including the idempotent HELD case), false
// on rejection (already WANTED) or on wait-timeout/ctx cancellation.
func (n *Node) Enter(ctx context.Context) bool {
	n.mu.Lock()
	switch n.state {
	case Held:
		n.mu.Unlock()
		return true
	case Wanted:
		n.mu.Unlock()
		n.log.Warn("enter() called while already WANTED, rejecting concurrent local entry")
		return false
	}

	n.state = Wanted
	n.requestTimestamp = n.clock.Tick()
	n.requestStarted = time.Now()

	expected := make(map[string]struct{})
	for _, p := range n.active.Active() {
		if p != n.name {
			expected[p] = struct{}{}
		}
	}
	n.expectedRepliers = expected
	n.receivedReplies = make(map[string]struct{})
	n.completion = make(chan struct{})
	n.signaled = false
	localCompletion := n.completion
	requestTS := n.requestTimestamp
	if isSubset(n.expectedRepliers, n.receivedReplies) {
		// Vacuously satisfied: no active peers to wait on (spec.md §4.3,
		// received_replies ⊇ expected_repliers holds the instant
		// expected_repliers is empty). Signal now so finishWait doesn't
		// block for MaxWaitTime granting a CS nothing contends for.
		n.signalLocked()
	}
	n.mu.Unlock()

	n.metr.ObserveRequest()
	n.log.WithField("ts", requestTS).WithField("expecting", len(expected)).Info("requesting critical section")

	for peer := range expected {
		peer := peer
		go n.sendRequest(ctx, peer, requestTS)
	}

	return n.finishWait(localCompletion, ctx)
}

// sendRequest fans out a single REQUEST as an independent task (spec.md
// §4.3: "Each send is an independent task; a send failure counts as an
// implicit negative reply"). A granted reply is folded back through
// OnReply exactly as an asynchronous REPLY would be.
func (n *Node) sendRequest(ctx context.Context, peer string, ts uint64) {
	granted, err := n.trans.RequestResource(ctx, peer, transport.RequestArgs{Timestamp: ts, Name: n.name})
	if err != nil {
		n.log.WithError(err).WithField("peer", peer).Debug("request send failed, treating as missing reply")
		return
	}
	if granted {
		n.OnReply(peer)
	}
	// granted == false means the peer deferred; it will send an
	// asynchronous REPLY later via ReceiveReply -> OnReply.
}

// finishWait waits up to MaxWaitTime for the completion signal (or ctx
// cancellation), then reacquires cs_mutex to finalize the transition,
// exactly as spec.md §4.3 describes.
func (n *Node) finishWait(completion chan struct{}, ctx context.Context) bool {
	select {
	case <-completion:
	case <-time.After(n.timing.MaxWaitTime):
	case <-ctx.Done():
	}

	n.mu.Lock()

	if n.state != Wanted {
		// A concurrent path (shouldn't happen without a bug, but stay
		// defensive) already moved us out of WANTED.
		held := n.state == Held
		n.mu.Unlock()
		return held
	}

	if isSubset(n.expectedRepliers, n.receivedReplies) {
		n.state = Held
		n.heldSince = time.Now()
		waited := time.Since(n.requestStarted)
		grantedTS := n.requestTimestamp
		n.requestTimestamp = 0 // clear on every transition leaving WANTED
		n.armHoldTimerLocked()
		n.mu.Unlock()

		n.metr.ObserveGrant(waited)
		n.audit.RecordGrant(n.name, grantedTS, waited)
		n.log.WithField("waited", waited).Info("entered critical section")
		return true
	}

	// Timeout: evict non-repliers, drain D, go back to RELEASED.
	n.metr.ObserveDenialTimeout()
	nonRepliers := make([]string, 0, len(n.expectedRepliers))
	for p := range n.expectedRepliers {
		if _, ok := n.receivedReplies[p]; !ok {
			nonRepliers = append(nonRepliers, p)
		}
	}
	n.state = Released
	n.requestTimestamp = 0
	n.expectedRepliers = nil
	n.receivedReplies = nil
	toReply := n.deferred
	n.deferred = nil
	n.deferredSet = make(map[string]struct{})
	n.log.WithField("non_repliers", nonRepliers).Warn("enter() timed out waiting for replies")
	n.mu.Unlock()

	n.evictNonRepliers(nonRepliers)
	n.sendDeferredReplies(toReply)
	return false
}

// evictNonRepliers is overridden by wiring (see SetEvictor); the default
// no-op keeps the cs package decoupled from membership.
func (n *Node) evictNonRepliers(peers []string) {
	if n.evictor == nil || len(peers) == 0 {
		return
	}
	for _, p := range peers {
		n.evictor.EvictSilent(p)
	}
}

// Exit releases the critical section, per spec.md §4.3's exit().
func (n *Node) Exit() bool {
	n.mu.Lock()
	if n.state != Held {
		n.mu.Unlock()
		return false
	}
	n.state = Released
	held := time.Since(n.heldSince)
	if n.holdTimer != nil {
		n.holdTimer.Stop()
		n.holdTimer = nil
	}
	toReply := n.deferred
	n.deferred = nil
	n.deferredSet = make(map[string]struct{})
	n.mu.Unlock()

	n.audit.RecordRelease(n.name, held)
	n.log.WithField("deferred_replies", len(toReply)).Info("released critical section")
	n.sendDeferredReplies(toReply)
	return true
}

// sendDeferredReplies drains D by sending REPLY to each owed peer. Never
// called while cs_mutex is held (spec.md §5: no blocking RPC under a
// mutex). Failures are logged, not retried.
func (n *Node) sendDeferredReplies(peers []string) {
	for _, peer := range peers {
		peer := peer
		go func() {
			if err := n.trans.ReceiveReply(context.Background(), peer, n.name); err != nil {
				n.log.WithError(err).WithField("peer", peer).Warn("deferred reply send failed")
			}
		}()
	}
}

func (n *Node) armHoldTimerLocked() {
	n.holdTimer = time.AfterFunc(n.timing.MaxAccessTime, func() {
		n.log.Warn("hold timeout reached, forcing exit()")
		n.Exit()
	})
}

// OnRequest handles an inbound REQUEST(t_r, from), per spec.md §4.3.
func (n *Node) OnRequest(requesterTimestamp uint64, from string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	denied := n.state == Held ||
		(n.state == Wanted && hasPriority(n.requestTimestamp, n.name, requesterTimestamp, from))

	n.clock.Merge(requesterTimestamp)

	if denied {
		if _, already := n.deferredSet[from]; !already {
			n.deferred = append(n.deferred, from)
			n.deferredSet[from] = struct{}{}
		}
		n.metr.ObserveDeferral()
		n.log.WithField("from", from).WithField("their_ts", requesterTimestamp).Debug("deferring reply")
		return false
	}

	n.log.WithField("from", from).WithField("their_ts", requesterTimestamp).Debug("granting immediately")
	return true
}

// OnReply handles an inbound REPLY from a peer we are waiting on, or a
// synthesized immediate grant from sendRequest.
func (n *Node) OnReply(from string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Wanted {
		return
	}
	if _, expected := n.expectedRepliers[from]; !expected {
		return
	}
	if _, already := n.receivedReplies[from]; already {
		return
	}
	n.receivedReplies[from] = struct{}{}

	if isSubset(n.expectedRepliers, n.receivedReplies) {
		n.signalLocked()
	}
}

// Hello answers a liveness probe.
func (n *Node) Hello() error { return nil }

// OnHeartbeat is part of transport.Inbound; membership bookkeeping is
// wired in by the caller (see SetHeartbeatSink).
func (n *Node) OnHeartbeat(from string) {
	if n.heartbeatSink != nil {
		n.heartbeatSink.ReceiveHeartbeat(from)
	}
}

// HeartbeatSink receives inbound liveness assertions; satisfied by
// *membership.Table.
type HeartbeatSink interface {
	ReceiveHeartbeat(from string)
}

// Evictor lets the CS state machine evict a silent peer from the active
// table after an enter() timeout; satisfied by *membership.Table.
type Evictor interface {
	EvictSilent(peer string)
}

// SetHeartbeatSink wires inbound heartbeat delivery to the membership table.
func (n *Node) SetHeartbeatSink(s HeartbeatSink) { n.heartbeatSink = s }

// SetEvictor wires enter()-timeout eviction to the membership table.
func (n *Node) SetEvictor(e Evictor) { n.evictor = e }

// OnPeerEvicted implements membership.EvictionListener: if the evicted peer
// was one we were waiting on, remove it from expected_repliers and check
// whether the reduced set is now satisfied (spec.md §4.2's C2/C3 coupling).
func (n *Node) OnPeerEvicted(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Wanted {
		return
	}
	if _, expected := n.expectedRepliers[peer]; !expected {
		return
	}
	delete(n.expectedRepliers, peer)
	delete(n.receivedReplies, peer)

	if isSubset(n.expectedRepliers, n.receivedReplies) {
		n.signalLocked()
	}
}

// RemoveDeferred implements membership.DeferredRemover: a peer evicted from
// the active table needs no deferred reply.
func (n *Node) RemoveDeferred(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.deferredSet[peer]; !ok {
		return
	}
	delete(n.deferredSet, peer)
	for i, p := range n.deferred {
		if p == peer {
			n.deferred = append(n.deferred[:i], n.deferred[i+1:]...)
			break
		}
	}
}

// signalLocked fires the completion signal exactly once. Caller must hold
// cs_mutex.
func (n *Node) signalLocked() {
	if !n.signaled {
		n.signaled = true
		close(n.completion)
	}
}

func isSubset(expected, received map[string]struct{}) bool {
	for p := range expected {
		if _, ok := received[p]; !ok {
			return false
		}
	}
	return true
}
