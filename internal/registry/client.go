// Package registry implements the client and server halves of the name
// registry contract from spec.md §6: peers register under a common prefix
// (conventionally "Peer") and lookup-by-prefix returns the current roster.
// This is the Go-native stand-in for the Python original's Pyro5
// nameserver (original_source/nameserver.py) and is explicitly an external
// collaborator, not part of the coordination core.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Client implements transport.PeerResolver against a remote registry
// service over HTTP, with a small local cache to avoid hammering the
// registry on every outbound RPC.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	cache     map[string]string
	cachedAt  time.Time
	cacheTTL  time.Duration
}

// NewClient builds a registry client pointed at baseURL (the registry
// service's address).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Second},
		cache:      make(map[string]string),
		cacheTTL:   2 * time.Second,
	}
}

// Register announces name at advertiseURL to the registry.
func (c *Client) Register(ctx context.Context, name, advertiseURL string) error {
	body, err := json.Marshal(struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}{name, advertiseURL})
	if err != nil {
		return errors.Wrap(err, "marshal registration")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", strings.NewReader(string(body)))
	if err != nil {
		return errors.Wrap(err, "build registration request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "contact registry")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry rejected registration: status %d", resp.StatusCode)
	}
	return nil
}

// Deregister removes name from the registry (best-effort, mirrors the
// original's ns.remove(name) on shutdown).
func (c *Client) Deregister(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/peers/"+name, nil)
	if err != nil {
		return errors.Wrap(err, "build deregistration request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "contact registry")
	}
	defer resp.Body.Close()
	return nil
}

// LookupPeers returns all names registered under prefix, per the registry's
// current roster.
func (c *Client) LookupPeers(ctx context.Context, prefix string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/peers?prefix="+prefix, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build lookup request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "contact registry")
	}
	defer resp.Body.Close()

	var out struct {
		Peers map[string]string `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode lookup response")
	}

	c.mu.Lock()
	for name, url := range out.Peers {
		c.cache[name] = url
	}
	c.cachedAt = time.Now()
	c.mu.Unlock()

	names := make([]string, 0, len(out.Peers))
	for name := range out.Peers {
		names = append(names, name)
	}
	return names, nil
}

// ResolveURL returns the base URL for name, consulting the cache first and
// refreshing from the registry on a miss or stale entry.
func (c *Client) ResolveURL(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	url, ok := c.cache[name]
	fresh := time.Since(c.cachedAt) < c.cacheTTL
	c.mu.Unlock()
	if ok && fresh {
		return url, nil
	}

	if _, err := c.LookupPeers(ctx, ""); err != nil {
		return "", err
	}

	c.mu.Lock()
	url, ok = c.cache[name]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("peer %s not found in registry", name)
	}
	return url, nil
}
