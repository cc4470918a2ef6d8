package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/transport"
)

type recordingInbound struct {
	onRequest func(ts uint64, from string) bool
	replies   []string
	heartbeats []string
}

func (r *recordingInbound) Hello() error { return nil }
func (r *recordingInbound) OnRequest(ts uint64, from string) bool {
	if r.onRequest != nil {
		return r.onRequest(ts, from)
	}
	return true
}
func (r *recordingInbound) OnReply(from string)      { r.replies = append(r.replies, from) }
func (r *recordingInbound) OnHeartbeat(from string)  { r.heartbeats = append(r.heartbeats, from) }

func TestNetworkJoinAllowsMutualLookup(t *testing.T) {
	net := transport.NewNetwork()
	inA := &recordingInbound{}
	inB := &recordingInbound{}
	fakeA := net.Join("A", inA)
	fakeB := net.Join("B", inB)

	names, err := fakeA.LookupPeers(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, names)

	names, err = fakeB.LookupPeers(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, names)
}

func TestFakeDropSimulatesUnreachablePeer(t *testing.T) {
	net := transport.NewNetwork()
	inA := &recordingInbound{}
	inB := &recordingInbound{}
	fakeA := net.Join("A", inA)
	net.Join("B", inB)

	fakeA.SetDrop("B", true)
	err := fakeA.Hello(context.Background(), "B")
	assert.Error(t, err)
}

func TestFakeDelayRespectsContextCancellation(t *testing.T) {
	net := transport.NewNetwork()
	inA := &recordingInbound{}
	inB := &recordingInbound{}
	fakeA := net.Join("A", inA)
	net.Join("B", inB)

	fakeA.SetDelay("B", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := fakeA.Hello(ctx, "B")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLeaveRemovesPeerFromEveryoneElsesRoster(t *testing.T) {
	net := transport.NewNetwork()
	inA := &recordingInbound{}
	inB := &recordingInbound{}
	fakeA := net.Join("A", inA)
	net.Join("B", inB)

	net.Leave("B")
	err := fakeA.Hello(context.Background(), "B")
	assert.Error(t, err)
}

func TestRequestResourceDeliversGrantDecision(t *testing.T) {
	net := transport.NewNetwork()
	inA := &recordingInbound{}
	inB := &recordingInbound{onRequest: func(uint64, string) bool { return false }}
	fakeA := net.Join("A", inA)
	net.Join("B", inB)

	granted, err := fakeA.RequestResource(context.Background(), "B", transport.RequestArgs{Timestamp: 1, Name: "A"})
	require.NoError(t, err)
	assert.False(t, granted)
}
