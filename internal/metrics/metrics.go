// Package metrics exposes Prometheus instrumentation for a peer process,
// grounded on the private-registry client_golang usage of the
// prometheus/alertmanager reference. Each peer gets
// its own registry (rather than the global DefaultRegisterer) so that
// multiple peers can coexist in one test process without metric-name
// collisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements cs.Metrics and exposes a few extra counters the
// membership failure detector drives directly.
type Collector struct {
	Registry *prometheus.Registry

	csRequests        prometheus.Counter
	csGrants          prometheus.Counter
	csDenialTimeouts  prometheus.Counter
	csDeferrals       prometheus.Counter
	csWaitSeconds     prometheus.Histogram
	heartbeatsSent    prometheus.Counter
	peersEvicted      prometheus.Counter
	peersDiscovered   prometheus.Counter
}

// New builds a Collector with its own private registry, labeled by peer
// name.
func New(peerName string) *Collector {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"peer": peerName}

	c := &Collector{
		Registry: reg,
		csRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cs_requests_total",
			Help:        "Number of times enter() was called and proceeded past idempotent/rejection checks.",
			ConstLabels: labels,
		}),
		csGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cs_grants_total",
			Help:        "Number of successful critical-section acquisitions.",
			ConstLabels: labels,
		}),
		csDenialTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cs_wait_timeouts_total",
			Help:        "Number of enter() calls that timed out waiting for all replies.",
			ConstLabels: labels,
		}),
		csDeferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cs_deferrals_total",
			Help:        "Number of inbound requests this peer deferred rather than granted immediately.",
			ConstLabels: labels,
		}),
		csWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "cs_wait_seconds",
			Help:        "Time spent waiting for replies before a grant.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "heartbeats_sent_total",
			Help:        "Number of outbound heartbeat RPCs attempted.",
			ConstLabels: labels,
		}),
		peersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peers_evicted_total",
			Help:        "Number of peers evicted from the active set due to heartbeat silence or a missing reply after an enter() timeout.",
			ConstLabels: labels,
		}),
		peersDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peers_discovered_total",
			Help:        "Number of peers newly discovered via the registry and successfully probed.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		c.csRequests, c.csGrants, c.csDenialTimeouts, c.csDeferrals,
		c.csWaitSeconds, c.heartbeatsSent, c.peersEvicted, c.peersDiscovered,
	)
	return c
}

func (c *Collector) ObserveRequest()      { c.csRequests.Inc() }
func (c *Collector) ObserveGrant(d time.Duration) {
	c.csGrants.Inc()
	c.csWaitSeconds.Observe(d.Seconds())
}
func (c *Collector) ObserveDenialTimeout() { c.csDenialTimeouts.Inc() }
func (c *Collector) ObserveDeferral()      { c.csDeferrals.Inc() }
func (c *Collector) ObserveHeartbeatSent() { c.heartbeatsSent.Inc() }
func (c *Collector) ObservePeerEvicted()   { c.peersEvicted.Inc() }
func (c *Collector) ObservePeerDiscovered() { c.peersDiscovered.Inc() }
