/*
File: rdns.go
Version: 1.2.3
Description: Thread-safe, sharded LRU cache for Reverse DNS (PTR) lookups of
             detected sources. Lookups go to a configured resolver (or the
             system resolver) and are collapsed through singleflight so a
             burst of detections never fans out into duplicate queries.
*/

package main

import (
	"container/list"
	"context"
	"hash/maphash"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

const (
	rdnsShardCount = 64
	rdnsCacheSize  = 4096
	rdnsTTL        = 1 * time.Hour
)

type rdnsEntry struct {
	ip        string
	hostname  string
	expiresAt time.Time
}

type rdnsShard struct {
	sync.RWMutex
	items   map[string]*list.Element
	lruList *list.List
}

// Resolver caches PTR answers for sources the detector flags. Negative
// answers are cached too; a source without a PTR record stays that way for
// the TTL instead of being re-queried on every detection.
type Resolver struct {
	shards   [rdnsShardCount]*rdnsShard
	seed     maphash.Seed
	capacity int
	group    singleflight.Group
	server   string // empty means system resolver
	timeout  time.Duration
}

func NewResolver(cfg RDNSConfig) *Resolver {
	r := &Resolver{
		seed:     maphash.MakeSeed(),
		capacity: rdnsCacheSize / rdnsShardCount,
		timeout:  cfg.parsedTimeout,
	}
	if r.timeout <= 0 {
		r.timeout = 1500 * time.Millisecond
	}
	if cfg.Resolver != "" {
		r.server = cfg.Resolver
		if _, _, err := net.SplitHostPort(r.server); err != nil {
			r.server = net.JoinHostPort(r.server, "53")
		}
		LogInfo("[RDNS] Using resolver %s (timeout %v)", r.server, r.timeout)
	}
	for i := 0; i < rdnsShardCount; i++ {
		r.shards[i] = &rdnsShard{
			items:   make(map[string]*list.Element),
			lruList: list.New(),
		}
	}
	return r
}

func (r *Resolver) getShard(key string) *rdnsShard {
	var h maphash.Hash
	h.SetSeed(r.seed)
	h.WriteString(key)
	return r.shards[h.Sum64()&(rdnsShardCount-1)]
}

// Cached returns the hostname without doing any network I/O. Safe on the
// packet path.
func (r *Resolver) Cached(ip string) (string, bool) {
	shard := r.getShard(ip)
	shard.RLock()
	defer shard.RUnlock()
	if elem, found := shard.items[ip]; found {
		entry := elem.Value.(*rdnsEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.hostname, true
		}
	}
	return "", false
}

// Lookup returns the hostname for an IP, resolving and caching on a miss.
// Concurrent misses for the same IP share a single in-flight query.
func (r *Resolver) Lookup(ip string) string {
	shard := r.getShard(ip)

	shard.RLock()
	if elem, found := shard.items[ip]; found {
		entry := elem.Value.(*rdnsEntry)
		if time.Now().Before(entry.expiresAt) {
			name := entry.hostname
			shard.RUnlock()
			if IsDebugEnabled() {
				displayName := name
				if displayName == "" {
					displayName = "<NO_PTR>"
				}
				LogDebug("[RDNS] Cache hit: %s -> %s", ip, displayName)
			}
			return name
		}
	}
	shard.RUnlock()

	v, _, _ := r.group.Do(ip, func() (interface{}, error) {
		return r.store(ip, r.query(ip)), nil
	})
	return v.(string)
}

// query does the actual PTR lookup, outside any lock.
func (r *Resolver) query(ip string) string {
	start := time.Now()
	var hostname string

	if r.server != "" {
		ptr, err := dns.ReverseAddr(ip)
		if err != nil {
			LogDebug("[RDNS] Unresolvable address %s: %v", ip, err)
			return ""
		}
		m := new(dns.Msg)
		m.SetQuestion(ptr, dns.TypePTR)
		m.RecursionDesired = true
		client := &dns.Client{Timeout: r.timeout}
		resp, _, err := client.Exchange(m, r.server)
		if err == nil && resp != nil {
			for _, rr := range resp.Answer {
				if p, ok := rr.(*dns.PTR); ok {
					hostname = strings.TrimSuffix(p.Ptr, ".")
					break
				}
			}
		} else if err != nil && IsDebugEnabled() {
			LogDebug("[RDNS] Query failed for %s via %s: %v", ip, r.server, err)
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		names, err := net.DefaultResolver.LookupAddr(ctx, ip)
		if err == nil && len(names) > 0 {
			hostname = strings.TrimSuffix(names[0], ".")
		}
	}

	if IsDebugEnabled() {
		if hostname == "" {
			LogDebug("[RDNS] No PTR for %s (took %v)", ip, time.Since(start))
		} else {
			LogDebug("[RDNS] Resolved %s -> %s (took %v)", ip, hostname, time.Since(start))
		}
	}
	return hostname
}

// store inserts or refreshes the cache entry and returns the canonical
// cached hostname.
func (r *Resolver) store(ip, hostname string) string {
	shard := r.getShard(ip)
	shard.Lock()
	defer shard.Unlock()

	// Double-check in case another goroutine filled it while we resolved.
	if elem, found := shard.items[ip]; found {
		entry := elem.Value.(*rdnsEntry)
		entry.expiresAt = time.Now().Add(rdnsTTL)
		shard.lruList.MoveToFront(elem)
		if hostname != "" {
			entry.hostname = hostname
		}
		return entry.hostname
	}

	if shard.lruList.Len() >= r.capacity {
		if oldest := shard.lruList.Back(); oldest != nil {
			shard.lruList.Remove(oldest)
			delete(shard.items, oldest.Value.(*rdnsEntry).ip)
		}
	}

	entry := &rdnsEntry{
		ip:        ip,
		hostname:  hostname,
		expiresAt: time.Now().Add(rdnsTTL),
	}
	shard.items[ip] = shard.lruList.PushFront(entry)
	return hostname
}
