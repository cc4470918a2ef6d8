package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fake is an in-process transport backed by a shared registry of Inbound
// peers, with per-edge controllable delay and drop so tests can simulate
// slow or dead peers without real sockets (spec's Design Notes §9).
type Fake struct {
	mu      sync.Mutex
	peers   map[string]Inbound
	names   []string // registration order, for stable prefix lookups
	drop    map[string]bool
	delay   map[string]time.Duration
	self    string
}

// NewFake returns a transport whose calls are made "as" self.
func NewFake(self string) *Fake {
	return &Fake{
		self:  self,
		peers: make(map[string]Inbound),
		drop:  make(map[string]bool),
		delay: make(map[string]time.Duration),
	}
}

// Register adds (or replaces) a peer reachable by name through this fake
// transport. Each Fake has its own roster; Network.Join registers every
// member with every other member's Fake.
func (f *Fake) Register(name string, inbound Inbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.peers[name]; !exists {
		f.names = append(f.names, name)
	}
	f.peers[name] = inbound
}

// Deregister removes a peer from the shared roster (simulates it leaving
// the registry entirely, distinct from merely going silent).
func (f *Fake) Deregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, name)
	for i, n := range f.names {
		if n == name {
			f.names = append(f.names[:i], f.names[i+1:]...)
			break
		}
	}
}

// SetDrop controls whether calls to peer fail with a transport error.
func (f *Fake) SetDrop(peer string, drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drop[peer] = drop
}

// SetDelay injects an artificial latency before calls to peer complete.
func (f *Fake) SetDelay(peer string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay[peer] = d
}

func (f *Fake) lookup(peer string) (Inbound, bool, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.peers[peer]
	return in, f.drop[peer], f.delay[peer]
}

func (f *Fake) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) LookupPeers(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.names {
		if n == f.self {
			continue
		}
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *Fake) Hello(ctx context.Context, peer string) error {
	in, drop, delay := f.lookup(peer)
	if drop || in == nil {
		return fmt.Errorf("fake transport: %s unreachable", peer)
	}
	if err := f.wait(ctx, delay); err != nil {
		return err
	}
	return in.Hello()
}

func (f *Fake) RequestResource(ctx context.Context, peer string, args RequestArgs) (bool, error) {
	in, drop, delay := f.lookup(peer)
	if drop || in == nil {
		return false, fmt.Errorf("fake transport: %s unreachable", peer)
	}
	if err := f.wait(ctx, delay); err != nil {
		return false, err
	}
	return in.OnRequest(args.Timestamp, args.Name), nil
}

func (f *Fake) ReceiveReply(ctx context.Context, peer string, from string) error {
	in, drop, delay := f.lookup(peer)
	if drop || in == nil {
		return fmt.Errorf("fake transport: %s unreachable", peer)
	}
	if err := f.wait(ctx, delay); err != nil {
		return err
	}
	in.OnReply(from)
	return nil
}

func (f *Fake) ReceiveHeartbeat(ctx context.Context, peer string, from string) error {
	in, drop, delay := f.lookup(peer)
	if drop || in == nil {
		return fmt.Errorf("fake transport: %s unreachable", peer)
	}
	if err := f.wait(ctx, delay); err != nil {
		return err
	}
	in.OnHeartbeat(from)
	return nil
}

// Network is a shared registry of fakes keyed by peer name, so a test can
// build an N-peer mesh where each peer's transport sees all the others.
type Network struct {
	mu        sync.Mutex
	transports map[string]*Fake
}

// NewNetwork returns an empty shared network.
func NewNetwork() *Network {
	return &Network{transports: make(map[string]*Fake)}
}

// Join creates a new Fake transport for name, wired to see every peer
// already in the network and vice versa.
func (net *Network) Join(name string, inbound Inbound) *Fake {
	net.mu.Lock()
	defer net.mu.Unlock()

	f := NewFake(name)
	for otherName, otherFake := range net.transports {
		// Each peer's transport must resolve every other peer that has
		// already joined; back-fill both directions.
		if in, ok := otherFake.peers[otherName]; ok {
			f.Register(otherName, in)
		}
		otherFake.Register(name, inbound)
	}
	f.Register(name, inbound)
	net.transports[name] = f
	return f
}

// Leave removes name from every other peer's view of the network (eviction
// from the registry itself, not just a missed heartbeat).
func (net *Network) Leave(name string) {
	net.mu.Lock()
	defer net.mu.Unlock()
	delete(net.transports, name)
	for _, f := range net.transports {
		f.Deregister(name)
	}
}
