// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cache implements the host-state cache: a
// host_name -> (observed_at, Result<ParsedState, FetchError>) map, guarded
// by a reader/writer lock that is only held around the map insert, never
// during the network fetch itself.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/opskeys/keysyncd/internal/fetch"
	"github.com/opskeys/keysyncd/internal/model"
	"github.com/opskeys/keysyncd/internal/transport"
)

// Entry is one host's cached observation: either a ParsedState or the
// FetchError that prevented one, never both.
type Entry struct {
	ObservedAt time.Time
	State      *model.ParsedState
	Err        error
}

// Fetcher opens a connection to host and runs the keyfile fetcher. It is
// the seam tests substitute with a plain function returning canned state.
type Fetcher func(ctx context.Context, hostName string) (*model.ParsedState, error)

// Cache is the host-state cache. The zero value is not usable; use New.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	fetch   Fetcher
}

// New returns a Cache that calls fetcher to populate misses and explicit
// refreshes.
func New(fetcher Fetcher) *Cache {
	return &Cache{entries: make(map[string]Entry), fetch: fetcher}
}

// Get returns host's cached entry, refreshing it first if forceRefresh is
// set or nothing is cached yet. The network fetch (if any) runs without
// holding the cache lock; only the resulting map insert is exclusive, so
// concurrent Get calls for other hosts are never blocked by one host's
// fetch. If two goroutines force-refresh the same host concurrently, both
// fetch and the later write wins.
func (c *Cache) Get(ctx context.Context, hostName string, forceRefresh bool) Entry {
	if !forceRefresh {
		c.mu.RLock()
		entry, ok := c.entries[hostName]
		c.mu.RUnlock()
		if ok {
			return entry
		}
	}

	state, err := c.fetch(ctx, hostName)
	entry := Entry{ObservedAt: now(), State: state, Err: err}

	c.mu.Lock()
	c.entries[hostName] = entry
	c.mu.Unlock()

	return entry
}

// Invalidate drops host's cached entry. The next Get call (even without
// forceRefresh) performs a fresh fetch.
func (c *Cache) Invalidate(hostName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hostName)
}

// now is a seam so tests can freeze time without naming time.Now at every
// call site.
var now = time.Now

// NewTransportFetcher builds a Fetcher that dials hostName via connector
// using spec, then runs the keyfile fetcher over the resulting connection,
// closing it afterward regardless of outcome.
func NewTransportFetcher(connector transport.Connector, specForHost func(hostName string) transport.HostSpec) Fetcher {
	return func(ctx context.Context, hostName string) (*model.ParsedState, error) {
		conn, err := connector.Connect(ctx, specForHost(hostName))
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return fetch.Fetch(conn, hostName)
	}
}
