// Package membership implements the failure detector (C2): periodic
// heartbeat emission, inbound-heartbeat-driven liveness tracking, discovery
// of newly registered peers, and eviction of silent peers. It hands the
// CS state machine (C3) its active-peer snapshots and notifies it when an
// eviction changes the outcome of an in-flight request.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/transport"
)

// EvictionListener is notified whenever the monitor removes a peer from the
// active set, so the CS state machine can re-check "all replies received"
// without membership importing the cs package directly (spec.md §4.2's
// coupling between C2 and C3, inverted here to avoid an import cycle).
type EvictionListener interface {
	OnPeerEvicted(peer string)
}

// Table is the active-peer failure detector for one peer process. It owns
// the membership_mutex from spec.md §5 and is safe for concurrent use.
type Table struct {
	self   string
	prefix string

	trans transport.Transport
	log   logrus.FieldLogger
	metr  Metrics

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	monitorInterval   time.Duration

	mu         sync.Mutex
	lastSeen   map[string]time.Time
	listener   EvictionListener
	deferred   DeferredRemover

	stop chan struct{}
	wg   sync.WaitGroup
}

// DeferredRemover lets membership strip an evicted peer out of the CS
// state's deferred-reply queue D (spec.md §4.2: "a dead peer needs no
// deferred reply"), again via a narrow interface rather than a direct
// dependency on the cs package.
type DeferredRemover interface {
	RemoveDeferred(peer string)
}

// Metrics is the narrow observability hook the failure detector drives. A
// no-op implementation is used when metrics aren't wired, mirroring
// internal/cs's Metrics/noopMetrics pair.
type Metrics interface {
	ObserveHeartbeatSent()
	ObservePeerEvicted()
	ObservePeerDiscovered()
}

type noopMetrics struct{}

func (noopMetrics) ObserveHeartbeatSent()  {}
func (noopMetrics) ObservePeerEvicted()    {}
func (noopMetrics) ObservePeerDiscovered() {}

// Config bundles the tunable intervals from spec.md §6.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MonitorInterval   time.Duration
}

// Option configures optional collaborators on New, mirroring internal/cs's
// functional-options pattern.
type Option func(*Table)

// WithMetrics wires a Prometheus (or other) metrics sink.
func WithMetrics(m Metrics) Option {
	return func(t *Table) { t.metr = m }
}

// New builds a Table for peer `self`, identifying other peers by `prefix`.
func New(self, prefix string, trans transport.Transport, cfg Config, log logrus.FieldLogger, opts ...Option) *Table {
	t := &Table{
		self:              self,
		prefix:            prefix,
		trans:             trans,
		log:               log,
		metr:              noopMetrics{},
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		monitorInterval:   cfg.MonitorInterval,
		lastSeen:          make(map[string]time.Time),
		stop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetEvictionListener wires the CS state machine (or deferred-queue owner)
// to be notified of evictions. Must be called before Start.
func (t *Table) SetEvictionListener(l EvictionListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// SetDeferredRemover wires the component that owns D.
func (t *Table) SetDeferredRemover(d DeferredRemover) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deferred = d
}

// Start launches the heartbeat sender and monitor loops as daemon
// goroutines. Call Stop to shut them down (e.g. in tests).
func (t *Table) Start(ctx context.Context) {
	t.wg.Add(2)
	go t.senderLoop(ctx)
	go t.monitorLoop(ctx)
}

// Stop signals the daemon loops to exit and waits for them.
func (t *Table) Stop() {
	close(t.stop)
	t.wg.Wait()
}

// Active returns a snapshot of currently-active peer names (self excluded
// by construction: ReceiveHeartbeat/discovery never insert self).
func (t *Table) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.lastSeen))
	for name := range t.lastSeen {
		out = append(out, name)
	}
	return out
}

// Count returns len(Active()) without allocating a slice.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}

// ReceiveHeartbeat upserts from's last-seen instant. This is the dominant
// path by which the active set is maintained after initial bootstrap
// (spec.md §4.2, "Inbound receive_heartbeat").
func (t *Table) ReceiveHeartbeat(from string) {
	if from == t.self {
		return
	}
	t.mu.Lock()
	t.lastSeen[from] = time.Now()
	t.mu.Unlock()
}

func (t *Table) senderLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.discover(ctx)
			t.sendHeartbeats(ctx)
		}
	}
}

// discover refreshes the active set by querying the registry for peers
// with the conventional prefix and probing any not already active
// (spec.md §4.2 step 1). Probe failures are silently ignored.
func (t *Table) discover(ctx context.Context) {
	registered, err := t.trans.LookupPeers(ctx, t.prefix)
	if err != nil {
		t.log.WithError(err).Debug("discovery: registry lookup failed")
		return
	}

	for _, name := range registered {
		if name == t.self {
			continue
		}
		t.mu.Lock()
		_, known := t.lastSeen[name]
		t.mu.Unlock()
		if known {
			continue
		}
		if err := t.trans.Hello(ctx, name); err != nil {
			continue
		}
		t.mu.Lock()
		t.lastSeen[name] = time.Now()
		t.mu.Unlock()
		t.metr.ObservePeerDiscovered()
		t.log.WithField("peer", name).Info("discovered new peer")
	}
}

// sendHeartbeats asserts liveness to every currently active peer
// (spec.md §4.2 step 2). Send failures are logged; eviction is left to the
// monitor loop.
func (t *Table) sendHeartbeats(ctx context.Context) {
	for _, name := range t.Active() {
		name := name
		t.metr.ObserveHeartbeatSent()
		go func() {
			if err := t.trans.ReceiveHeartbeat(ctx, name, t.self); err != nil {
				t.log.WithError(err).WithField("peer", name).Debug("heartbeat send failed")
			}
		}()
	}
}

// EvictSilent removes a single peer immediately, independent of the
// heartbeat-timeout sweep. The CS state machine calls this after an
// enter() timeout against a peer that never replied (spec.md §4.3: "evict
// from A any expected replier that failed to respond"). Satisfies
// cs.Evictor.
func (t *Table) EvictSilent(peer string) {
	t.mu.Lock()
	_, known := t.lastSeen[peer]
	if known {
		delete(t.lastSeen, peer)
	}
	deferred := t.deferred
	t.mu.Unlock()

	if !known {
		return
	}
	t.metr.ObservePeerEvicted()
	t.log.WithField("peer", peer).Warn("evicting non-replying peer after wait timeout")
	if deferred != nil {
		deferred.RemoveDeferred(peer)
	}
}

func (t *Table) monitorLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep evicts any peer silent for longer than heartbeatTimeout. Per
// spec.md §5's lock hierarchy, this snapshots the peers to evict under
// membership_mutex, releases it, then applies side effects (which may
// acquire cs_mutex inside the listener) without holding both at once.
func (t *Table) sweep() {
	now := time.Now()

	t.mu.Lock()
	var toEvict []string
	for name, last := range t.lastSeen {
		if now.Sub(last) > t.heartbeatTimeout {
			toEvict = append(toEvict, name)
		}
	}
	for _, name := range toEvict {
		delete(t.lastSeen, name)
	}
	listener := t.listener
	deferred := t.deferred
	t.mu.Unlock()

	for _, name := range toEvict {
		t.metr.ObservePeerEvicted()
		t.log.WithField("peer", name).Warn("evicting silent peer")
		if deferred != nil {
			deferred.RemoveDeferred(name)
		}
		if listener != nil {
			listener.OnPeerEvicted(name)
		}
	}
}
