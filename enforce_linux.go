//go:build linux
// +build linux

/*
File: enforce_linux.go
Version: 1.2.2
Description: Linux enforcement gateways. Blackhole mode installs RTN_BLACKHOLE
             host routes and expires them with in-process timers; nftables
             mode owns a dedicated table with a timeout set, so expiry happens
             in the kernel and survives without any help from us.
*/

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// --- Blackhole routes ---

type blackholeGateway struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	duration time.Duration
	closed   bool
}

func newBlackholeGateway(duration time.Duration) (EnforcementGateway, error) {
	// Probe for permission up front so a misconfigured deployment fails at
	// startup, not on the first detection.
	if err := netlink.RouteAdd(probeRoute()); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("blackhole probe failed (need CAP_NET_ADMIN?): %w", err)
	}
	netlink.RouteDel(probeRoute())

	g := &blackholeGateway{
		timers:   make(map[string]*time.Timer),
		duration: duration,
	}
	LogInfo("[ENFORCE] Blackhole gateway ready (expiry %v)", duration)
	return g, nil
}

// probeRoute is a blackhole for a TEST-NET-3 address, added and removed
// immediately to verify privileges.
func probeRoute() *netlink.Route {
	return &netlink.Route{
		Dst:  &net.IPNet{IP: net.IPv4(203, 0, 113, 254), Mask: net.CIDRMask(32, 32)},
		Type: unix.RTN_BLACKHOLE,
	}
}

func hostRoute(ip net.IP) *netlink.Route {
	return &netlink.Route{
		Dst:  &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)},
		Type: unix.RTN_BLACKHOLE,
	}
}

func (g *blackholeGateway) Name() string { return "blackhole" }

func (g *blackholeGateway) Block(addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("not an IPv4 address: %s", addr)
	}
	ip = ip.To4()

	if err := netlink.RouteAdd(hostRoute(ip)); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("add blackhole route for %s: %w", addr, err)
	}

	if g.duration <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	if t, ok := g.timers[addr]; ok {
		t.Reset(g.duration)
		return nil
	}
	g.timers[addr] = time.AfterFunc(g.duration, func() { g.expire(addr, ip) })
	return nil
}

func (g *blackholeGateway) expire(addr string, ip net.IP) {
	g.mu.Lock()
	delete(g.timers, addr)
	g.mu.Unlock()
	if err := netlink.RouteDel(hostRoute(ip)); err != nil && !errors.Is(err, os.ErrNotExist) {
		LogWarn("[ENFORCE] Failed to expire blackhole for %s: %v", addr, err)
		return
	}
	LogInfo("[ENFORCE] Blackhole for %s expired", addr)
}

// Close stops expiry timers and withdraws every route we still own.
func (g *blackholeGateway) Close() error {
	g.mu.Lock()
	g.closed = true
	pending := make([]string, 0, len(g.timers))
	for addr, t := range g.timers {
		t.Stop()
		pending = append(pending, addr)
	}
	g.timers = make(map[string]*time.Timer)
	g.mu.Unlock()

	for _, addr := range pending {
		if ip := net.ParseIP(addr); ip != nil {
			netlink.RouteDel(hostRoute(ip.To4()))
		}
	}
	if len(pending) > 0 {
		LogInfo("[ENFORCE] Withdrew %d blackhole route(s) on shutdown", len(pending))
	}
	return nil
}

// --- nftables timeout set ---

const (
	nftTableName = "icmpguard"
	nftChainName = "input"
	nftSetName   = "blocked4"
)

type nftablesGateway struct {
	mu   sync.Mutex
	conn *nftables.Conn
	set  *nftables.Set
}

// newNFTablesGateway owns a dedicated ip-family table. The table is dropped
// and rebuilt at startup so restarts never stack duplicate rules; any
// element timeouts from a previous run are lost with it, matching the
// session-scoped blocked set.
func newNFTablesGateway(duration time.Duration) (EnforcementGateway, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("open nftables connection: %w", err)
	}

	stale := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: nftTableName}
	conn.DelTable(stale)
	conn.Flush() // best effort, the table may not exist yet

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   nftTableName,
	})
	set := &nftables.Set{
		Table:      table,
		Name:       nftSetName,
		KeyType:    nftables.TypeIPAddr,
		HasTimeout: duration > 0,
		Timeout:    duration,
	}
	if err := conn.AddSet(set, nil); err != nil {
		return nil, fmt.Errorf("create set %s: %w", nftSetName, err)
	}
	chain := conn.AddChain(&nftables.Chain{
		Name:     nftChainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})
	// ip saddr @blocked4 counter drop
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12,
				Len:          4,
			},
			&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
			&expr.Counter{},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	})
	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("install table %s: %w", nftTableName, err)
	}

	LogInfo("[ENFORCE] nftables gateway ready (table %s, set %s, timeout %v)",
		nftTableName, nftSetName, duration)
	return &nftablesGateway{conn: conn, set: set}, nil
}

func (g *nftablesGateway) Name() string { return "nftables" }

func (g *nftablesGateway) Block(addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("not an IPv4 address: %s", addr)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.conn.SetAddElements(g.set, []nftables.SetElement{{Key: ip.To4()}}); err != nil {
		return fmt.Errorf("queue element %s: %w", addr, err)
	}
	if err := g.conn.Flush(); err != nil {
		// Element still present from an earlier run counts as blocked.
		if errors.Is(err, unix.EEXIST) || errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("add element %s: %w", addr, err)
	}
	return nil
}

// Close leaves the table in place: kernel timeouts keep expiring elements
// whether or not we are running.
func (g *nftablesGateway) Close() error { return nil }
