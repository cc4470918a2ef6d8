package registry_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/registry"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestRegisterLookupDeregisterRoundTrip(t *testing.T) {
	srv := registry.NewServer(quietLog())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := registry.NewClient(ts.URL)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, "Peer1", "http://127.0.0.1:9001"))
	require.NoError(t, client.Register(ctx, "Peer2", "http://127.0.0.1:9002"))
	require.NoError(t, client.Register(ctx, "Other", "http://127.0.0.1:9003"))

	names, err := client.LookupPeers(ctx, "Peer")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Peer1", "Peer2"}, names)

	url, err := client.ResolveURL(ctx, "Peer1")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9001", url)

	require.NoError(t, client.Deregister(ctx, "Peer1"))
	names, err = client.LookupPeers(ctx, "Peer")
	require.NoError(t, err)
	assert.Equal(t, []string{"Peer2"}, names)
}

func TestResolveURLUnknownPeerErrors(t *testing.T) {
	srv := registry.NewServer(quietLog())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := registry.NewClient(ts.URL)
	_, err := client.ResolveURL(context.Background(), "Ghost")
	assert.Error(t, err)
}
