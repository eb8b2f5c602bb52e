/*
File: trusted.go
Version: 1.0.2
Description: Trusted-network screen. Sources inside any configured prefix are
             exempt from tracking, classification and blocking. Backed by a
             PATRICIA trie so membership stays O(prefix length) no matter how
             many networks are configured.
*/

package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// TrustedNets answers "is this source exempt?". Built once at startup,
// read-only afterwards, safe for concurrent use.
type TrustedNets struct {
	ranger cidranger.Ranger
	count  int
}

// NewTrustedNets parses the configured prefixes. Bare addresses are accepted
// and widened to host routes (/32 or /128). An empty list yields a screen
// that trusts nothing, so callers never need a nil check on the config side.
func NewTrustedNets(prefixes []string) (*TrustedNets, error) {
	t := &TrustedNets{ranger: cidranger.NewPCTrieRanger()}
	for _, raw := range prefixes {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				if ip.To4() != nil {
					entry += "/32"
				} else {
					entry += "/128"
				}
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network '%s': %w", raw, err)
		}
		if err := t.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("register trusted network '%s': %w", raw, err)
		}
		t.count++
	}
	if t.count > 0 {
		LogInfo("[TRUSTED] Loaded %d trusted network(s)", t.count)
	}
	return t, nil
}

// Contains reports whether the address falls inside a trusted prefix.
// Unparseable addresses are not trusted.
func (t *TrustedNets) Contains(addr string) bool {
	if t == nil || t.count == 0 {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	ok, err := t.ranger.Contains(ip)
	if err != nil {
		return false
	}
	return ok
}

func (t *TrustedNets) Size() int {
	if t == nil {
		return 0
	}
	return t.count
}
