/*
File: capture_test.go
Description: Source selection, packet normalization and ingest shedding
             behavior of the capture engine.
*/

package main

import (
	"context"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPacketSource_Modes(t *testing.T) {
	src, err := NewPacketSource(CaptureConfig{Mode: "icmp", Listen: "0.0.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "icmp:0.0.0.0", src.Name())

	src, err = NewPacketSource(CaptureConfig{Mode: "replay", ReplayFile: "/tmp/flood.pcap"})
	require.NoError(t, err)
	assert.Equal(t, "replay:/tmp/flood.pcap", src.Name())

	src, err = NewPacketSource(CaptureConfig{Mode: "pcap", Interface: "eth0"})
	require.NoError(t, err)
	assert.Equal(t, "pcap:eth0", src.Name())

	_, err = NewPacketSource(CaptureConfig{Mode: "pcap"})
	assert.Error(t, err)
	_, err = NewPacketSource(CaptureConfig{Mode: "replay"})
	assert.Error(t, err)
	_, err = NewPacketSource(CaptureConfig{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func serializePacket(t *testing.T, ls ...gopacket.SerializableLayer) gopacket.Packet {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func testEthernet() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func TestEventFromPacket_ICMPEcho(t *testing.T) {
	packet := serializePacket(t,
		testEthernet(),
		&layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    net.IPv4(198, 51, 100, 7),
			DstIP:    net.IPv4(192, 0, 2, 1),
		},
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)},
		gopacket.Payload(make([]byte, 56)),
	)

	ev, ok := eventFromPacket(packet)
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", ev.Source)
	assert.Equal(t, int(layers.ICMPv4TypeEchoRequest), ev.ICMPType)
	assert.Greater(t, ev.Timestamp, 0.0)
	assert.Equal(t, len(packet.Data()), ev.Length)
}

func TestEventFromPacket_NonICMP(t *testing.T) {
	packet := serializePacket(t,
		testEthernet(),
		&layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(198, 51, 100, 7),
			DstIP:    net.IPv4(192, 0, 2, 1),
		},
		&layers.UDP{SrcPort: 5000, DstPort: 5001},
		gopacket.Payload([]byte("x")),
	)

	ev, ok := eventFromPacket(packet)
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", ev.Source)
	assert.Equal(t, -1, ev.ICMPType)
}

func TestEventFromPacket_NonIPv4(t *testing.T) {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	eth := testEthernet()
	eth.EthernetType = layers.EthernetTypeARP
	packet := serializePacket(t, eth, arp)

	_, ok := eventFromPacket(packet)
	assert.False(t, ok)
}

// scriptedSource replays a fixed event list and exits, like an offline
// capture reaching EOF.
type scriptedSource struct {
	events []PacketEvent
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Run(ctx context.Context, handle func(PacketEvent)) error {
	for _, ev := range s.events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handle(ev)
	}
	return nil
}

func TestCaptureEngine_DrainsSourceThenStops(t *testing.T) {
	det := NewDetector(testDetectorConfig(t))
	events := make([]PacketEvent, 100)
	for i := range events {
		events[i] = PacketEvent{Timestamp: float64(i), Source: "10.0.0.1", Length: 64, ICMPType: 8}
	}

	e := NewCaptureEngine(CaptureConfig{QueueSize: 16}, &scriptedSource{events: events}, det)
	e.Start(context.Background())
	e.Wait()

	st := det.Status()
	assert.Equal(t, uint64(100), st.Counters[counterTotal]+st.Counters[counterDropped])
	assert.Equal(t, uint64(0), st.Counters[counterDropped], "consumer keeps up with a scripted source")
}

func TestCaptureEngine_QueueShedding(t *testing.T) {
	det := NewDetector(testDetectorConfig(t))
	e := NewCaptureEngine(CaptureConfig{QueueSize: 2}, &scriptedSource{}, det)

	// No consumer running: the queue fills and the rest is shed.
	for i := 0; i < 5; i++ {
		e.enqueue(PacketEvent{Timestamp: float64(i), Source: "10.0.0.1", Length: 64, ICMPType: 8})
	}
	assert.Equal(t, uint64(3), det.counters.Dropped.Load())
	assert.Len(t, e.queue, 2)
}

func TestCaptureEngine_RateShedding(t *testing.T) {
	det := NewDetector(testDetectorConfig(t))
	e := NewCaptureEngine(CaptureConfig{QueueSize: 64, MaxEventsPS: 1}, &scriptedSource{}, det)

	for i := 0; i < 3; i++ {
		e.enqueue(PacketEvent{Timestamp: float64(i), Source: "10.0.0.1", Length: 64, ICMPType: 8})
	}
	assert.Equal(t, uint64(2), det.counters.Dropped.Load())
	assert.Len(t, e.queue, 1)
}

type blockingSource struct{}

func (s *blockingSource) Name() string { return "blocking" }

func (s *blockingSource) Run(ctx context.Context, handle func(PacketEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCaptureEngine_StopsOnCancel(t *testing.T) {
	det := NewDetector(testDetectorConfig(t))
	e := NewCaptureEngine(CaptureConfig{QueueSize: 4}, &blockingSource{}, det)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()
	e.Wait() // must return: producer exits, queue closes, consumer drains
}
