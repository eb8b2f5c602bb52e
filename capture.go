/*
File: capture.go
Version: 1.3.0
Description: Packet event sources and the ingest engine. A source normalizes
             whatever it reads (raw ICMP socket, live pcap, offline pcap)
             into PacketEvents; the engine pushes them through a bounded
             queue into the detector, shedding load instead of blocking when
             the detector cannot keep up.
*/

package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

const (
	protocolICMP     = 1 // iana.ProtocolICMP
	defaultQueueSize = 8192
	defaultSnaplen   = 1600
	captureReadBuf   = 1500
)

// PacketEvent is one observed packet, normalized across sources.
// ICMPType is -1 for traffic that is not ICMP; such events still count
// toward the total but are otherwise ignored.
type PacketEvent struct {
	Timestamp float64 // seconds since epoch (or capture time for replays)
	Source    string
	Length    int
	ICMPType  int
}

// PacketSource feeds events to a handler until the context ends or the
// source is exhausted. Run blocks.
type PacketSource interface {
	Name() string
	Run(ctx context.Context, handle func(PacketEvent)) error
}

// NewPacketSource builds the source selected by the capture config.
func NewPacketSource(cfg CaptureConfig) (PacketSource, error) {
	switch cfg.Mode {
	case "icmp":
		return &ICMPListener{listen: cfg.Listen}, nil
	case "pcap":
		return newPcapSource(cfg, false)
	case "replay":
		return newPcapSource(cfg, true)
	default:
		return nil, fmt.Errorf("unknown capture mode '%s'", cfg.Mode)
	}
}

// --- Ingest engine ---

// CaptureEngine connects a source to the detector through a bounded queue.
// The producer never blocks: when the queue is full, or the configured event
// rate is exceeded, the event is dropped and counted. Detection quality
// degrades gracefully under overload instead of backpressuring the kernel.
type CaptureEngine struct {
	source  PacketSource
	det     *Detector
	queue   chan PacketEvent
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

func NewCaptureEngine(cfg CaptureConfig, source PacketSource, det *Detector) *CaptureEngine {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	e := &CaptureEngine{
		source: source,
		det:    det,
		queue:  make(chan PacketEvent, size),
	}
	if cfg.MaxEventsPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxEventsPS), cfg.MaxEventsPS)
		LogInfo("[CAPTURE] Ingest capped at %d events/s", cfg.MaxEventsPS)
	}
	return e
}

// Start launches the producer and consumer goroutines. Wait blocks until the
// source has finished and the queue has drained.
func (e *CaptureEngine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for ev := range e.queue {
			e.det.HandleEvent(ev)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.queue)
		LogInfo("[CAPTURE] Starting source [%s]", e.source.Name())
		if err := e.source.Run(ctx, e.enqueue); err != nil && ctx.Err() == nil {
			LogError("[CAPTURE] Source [%s] terminated: %v", e.source.Name(), err)
		}
		LogInfo("[CAPTURE] Source [%s] finished", e.source.Name())
	}()
}

func (e *CaptureEngine) Wait() { e.wg.Wait() }

func (e *CaptureEngine) enqueue(ev PacketEvent) {
	if e.limiter != nil && !e.limiter.Allow() {
		e.det.counters.Dropped.Add(1)
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.det.counters.Dropped.Add(1)
	}
}

// --- Raw ICMP socket source ---

// ICMPListener reads from a raw IPv4 ICMP socket. Needs CAP_NET_RAW (or
// root); the pcap source is the fallback where that is not available.
type ICMPListener struct {
	listen string
}

func (l *ICMPListener) Name() string { return "icmp:" + l.listen }

func (l *ICMPListener) Run(ctx context.Context, handle func(PacketEvent)) error {
	conn, err := icmp.ListenPacket("ip4:icmp", l.listen)
	if err != nil {
		return fmt.Errorf("open raw icmp socket on %s: %w", l.listen, err)
	}
	defer conn.Close()

	// Closing the socket is what unblocks ReadFrom on shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	LogInfo("[CAPTURE] Raw ICMP socket listening on %s", l.listen)
	buf := make([]byte, captureReadBuf)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("icmp read: %w", err)
		}

		src := sourceAddr(peer)
		if src == "" {
			continue
		}
		icmpType := -1
		if msg, perr := icmp.ParseMessage(protocolICMP, buf[:n]); perr == nil {
			if t, ok := msg.Type.(ipv4.ICMPType); ok {
				icmpType = int(t)
			}
		}
		handle(PacketEvent{
			Timestamp: float64(time.Now().UnixNano()) / 1e9,
			Source:    src,
			Length:    n,
			ICMPType:  icmpType,
		})
	}
}
