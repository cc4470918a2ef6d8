package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPTransport is the concrete facade implementation: outbound calls go
// over net/http with the teacher's retry-with-backoff discipline
// (sendMessage in ricart_agrawala.go), and peer addresses are resolved
// through a small name registry client instead of the teacher's hardcoded
// Docker service-name switch.
type HTTPTransport struct {
	client      *http.Client
	resolver    PeerResolver
	maxRetries  int
	retryDelay  time.Duration
}

// PeerResolver maps a peer name to its base URL and enumerates registered
// peer names by prefix. registry.Client implements this against the
// standalone registry service (cmd/registry); tests can supply a static map.
type PeerResolver interface {
	ResolveURL(ctx context.Context, name string) (string, error)
	LookupPeers(ctx context.Context, prefix string) ([]string, error)
}

// NewHTTPTransport builds a transport using resolver for peer addressing.
func NewHTTPTransport(resolver PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		client:     &http.Client{Timeout: 2 * time.Second},
		resolver:   resolver,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
}

func (t *HTTPTransport) LookupPeers(ctx context.Context, prefix string) ([]string, error) {
	return t.resolver.LookupPeers(ctx, prefix)
}

func (t *HTTPTransport) Hello(ctx context.Context, peer string) error {
	_, err := t.post(ctx, peer, "/rpc/hello", nil)
	return err
}

func (t *HTTPTransport) RequestResource(ctx context.Context, peer string, args RequestArgs) (bool, error) {
	body := struct {
		Timestamp uint64 `json:"timestamp"`
		Name      string `json:"name"`
	}{args.Timestamp, args.Name}

	data, err := t.post(ctx, peer, "/rpc/request_resource", body)
	if err != nil {
		return false, err
	}
	var resp struct {
		Granted bool `json:"granted"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, errors.Wrapf(err, "decode request_resource response from %s", peer)
	}
	return resp.Granted, nil
}

func (t *HTTPTransport) ReceiveReply(ctx context.Context, peer string, from string) error {
	_, err := t.post(ctx, peer, "/rpc/receive_reply", struct {
		From string `json:"from"`
	}{from})
	return err
}

func (t *HTTPTransport) ReceiveHeartbeat(ctx context.Context, peer string, from string) error {
	_, err := t.post(ctx, peer, "/rpc/receive_heartbeat", struct {
		From string `json:"from"`
	}{from})
	return err
}

// post marshals body (if non-nil), resolves peer's URL, and POSTs with
// retry/backoff, mirroring the teacher's sendMessage loop.
func (t *HTTPTransport) post(ctx context.Context, peer, path string, body interface{}) ([]byte, error) {
	base, err := t.resolver.ResolveURL(ctx, peer)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve peer %s", peer)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal request to %s", peer)
		}
	}

	url := base + path
	delay := t.retryDelay
	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, errors.Wrapf(err, "build request to %s", peer)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err == nil {
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr == nil && resp.StatusCode == http.StatusOK {
				return data, nil
			}
			if readErr != nil {
				lastErr = readErr
			} else {
				lastErr = fmt.Errorf("peer %s returned status %d", peer, resp.StatusCode)
			}
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, errors.Wrapf(lastErr, "peer %s unreachable after %d attempts", peer, t.maxRetries)
}
