/*
File: flow_tracker.go
Version: 1.1.0
Description: Sliding-window per-source packet statistics. Thread-safe sharded map
             of flow windows; derives the two features (packet count, mean length)
             consumed by training and prediction.
*/

package main

import (
	"hash/maphash"
	"sync"
	"time"
)

const (
	flowShardCount = 256

	defaultTimeWindow  = 10 * time.Second
	defaultIdleTimeout = 600 * time.Second

	// minWindowSamples is the floor below which a window is too thin to
	// characterize a flow; both sample collection and prediction skip it.
	minWindowSamples = 2
)

// Features are the two scalars derived from one flow window.
type Features struct {
	PacketCount int     `json:"packet_count"`
	MeanLength  float64 `json:"mean_length"`
}

// Vector returns the features in canonical order: [packet_count, mean_length].
func (f Features) Vector() []float64 {
	return []float64{float64(f.PacketCount), f.MeanLength}
}

// flowWindow holds parallel slices of timestamps and lengths for one source.
// The slices are always the same length and ordered by arrival.
type flowWindow struct {
	timestamps []float64
	lengths    []int
	lastSeen   time.Time // wall clock; event time may lie in the past during replay
}

func (w *flowWindow) features() Features {
	n := len(w.lengths)
	if n == 0 {
		return Features{}
	}
	sum := 0
	for _, l := range w.lengths {
		sum += l
	}
	return Features{PacketCount: n, MeanLength: float64(sum) / float64(n)}
}

type flowShard struct {
	sync.Mutex
	flows map[string]*flowWindow
}

// FlowTracker maintains a sliding time window of packet events per source.
type FlowTracker struct {
	shards [flowShardCount]*flowShard
	seed   maphash.Seed
	window float64 // seconds
	idle   time.Duration
}

func NewFlowTracker(window, idle time.Duration) *FlowTracker {
	t := &FlowTracker{
		seed:   maphash.MakeSeed(),
		window: window.Seconds(),
		idle:   idle,
	}
	for i := 0; i < flowShardCount; i++ {
		t.shards[i] = &flowShard{flows: make(map[string]*flowWindow)}
	}
	return t
}

func (t *FlowTracker) getShard(key string) *flowShard {
	var h maphash.Hash
	h.SetSeed(t.seed)
	h.WriteString(key)
	return t.shards[h.Sum64()&(flowShardCount-1)]
}

// Observe appends one event to the source's window, slides the window forward,
// and returns the refreshed features. An entry exactly one full window old is
// evicted: retained entries are strictly newer than ts-window.
func (t *FlowTracker) Observe(source string, ts float64, length int) Features {
	shard := t.getShard(source)
	shard.Lock()
	defer shard.Unlock()

	w, ok := shard.flows[source]
	if !ok {
		w = &flowWindow{
			timestamps: make([]float64, 0, 16),
			lengths:    make([]int, 0, 16),
		}
		shard.flows[source] = w
	}

	w.timestamps = append(w.timestamps, ts)
	w.lengths = append(w.lengths, length)
	w.lastSeen = time.Now()

	cutoff := ts - t.window
	idx := 0
	for idx < len(w.timestamps) && w.timestamps[idx] <= cutoff {
		idx++
	}
	if idx > 0 {
		// Trim both sequences in lockstep, reusing the backing arrays.
		n := copy(w.timestamps, w.timestamps[idx:])
		w.timestamps = w.timestamps[:n]
		m := copy(w.lengths, w.lengths[idx:])
		w.lengths = w.lengths[:m]
	}

	return w.features()
}

// Cleanup removes flows with no event for longer than the idle timeout and
// returns the number evicted. Runs only from the coordinator's background
// loop, never the packet path.
func (t *FlowTracker) Cleanup() int {
	deadline := time.Now().Add(-t.idle)
	removed := 0
	for _, shard := range t.shards {
		shard.Lock()
		for key, w := range shard.flows {
			if w.lastSeen.Before(deadline) {
				delete(shard.flows, key)
				removed++
			}
		}
		shard.Unlock()
	}
	return removed
}

// Len returns the number of currently tracked flows.
func (t *FlowTracker) Len() int {
	total := 0
	for _, shard := range t.shards {
		shard.Lock()
		total += len(shard.flows)
		shard.Unlock()
	}
	return total
}
