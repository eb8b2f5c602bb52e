/*
File: rdns_test.go
Description: PTR cache behavior: hits, negative caching, refresh and LRU
             eviction. No network I/O; the query path is exercised only
             through the cache fast path.
*/

package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_CacheRoundTrip(t *testing.T) {
	r := NewResolver(RDNSConfig{})

	_, ok := r.Cached("192.0.2.1")
	assert.False(t, ok)

	r.store("192.0.2.1", "ping.example.net")
	host, ok := r.Cached("192.0.2.1")
	assert.True(t, ok)
	assert.Equal(t, "ping.example.net", host)

	// Cache hits serve Lookup without touching the resolver.
	assert.Equal(t, "ping.example.net", r.Lookup("192.0.2.1"))
}

func TestResolver_NegativeCaching(t *testing.T) {
	r := NewResolver(RDNSConfig{})

	r.store("192.0.2.2", "")
	host, ok := r.Cached("192.0.2.2")
	assert.True(t, ok, "absent PTR must be cached, not re-queried")
	assert.Equal(t, "", host)
}

func TestResolver_RefreshKeepsHostname(t *testing.T) {
	r := NewResolver(RDNSConfig{})

	r.store("192.0.2.3", "ping.example.net")
	// A later empty answer refreshes the TTL but never blanks a known name.
	got := r.store("192.0.2.3", "")
	assert.Equal(t, "ping.example.net", got)

	host, ok := r.Cached("192.0.2.3")
	assert.True(t, ok)
	assert.Equal(t, "ping.example.net", host)

	// A later real answer fills in a cached negative.
	r.store("192.0.2.4", "")
	r.store("192.0.2.4", "late.example.net")
	host, _ = r.Cached("192.0.2.4")
	assert.Equal(t, "late.example.net", host)
}

func TestResolver_LRUEviction(t *testing.T) {
	r := NewResolver(RDNSConfig{})
	r.capacity = 1

	// Shard placement is seeded per resolver; probe for a second address
	// landing in the same shard as the anchor.
	anchor := "10.0.0.0"
	shard := r.getShard(anchor)
	var second string
	for i := 1; i < 2048; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
		if r.getShard(ip) == shard {
			second = ip
			break
		}
	}
	require.NotEmpty(t, second)

	r.store(anchor, "first.example.net")
	r.store(second, "second.example.net")

	_, ok := r.Cached(anchor)
	assert.False(t, ok, "oldest entry must be evicted at capacity")
	host, ok := r.Cached(second)
	assert.True(t, ok)
	assert.Equal(t, "second.example.net", host)
}

func TestResolver_ExpiredEntriesMiss(t *testing.T) {
	r := NewResolver(RDNSConfig{})

	r.store("192.0.2.5", "ping.example.net")
	shard := r.getShard("192.0.2.5")
	shard.Lock()
	elem := shard.items["192.0.2.5"]
	require.NotNil(t, elem)
	elem.Value.(*rdnsEntry).expiresAt = time.Now().Add(-time.Second)
	shard.Unlock()

	_, ok := r.Cached("192.0.2.5")
	assert.False(t, ok)
}

func TestNewResolver_ServerPortDefaulting(t *testing.T) {
	r := NewResolver(RDNSConfig{Resolver: "192.0.2.53"})
	assert.Equal(t, "192.0.2.53:53", r.server)

	r = NewResolver(RDNSConfig{Resolver: "192.0.2.53:5353"})
	assert.Equal(t, "192.0.2.53:5353", r.server)

	r = NewResolver(RDNSConfig{})
	assert.Equal(t, "", r.server)
	assert.Equal(t, 1500*time.Millisecond, r.timeout)
}
