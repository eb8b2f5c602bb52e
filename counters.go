/*
File: counters.go
Version: 1.0.0
Description: Monotonic pipeline counters. Atomics so the packet path never
             takes the coordinator lock just to count.
*/

package main

import "sync/atomic"

// Counter key names, stable across persistence and the metrics exporter.
const (
	counterTotal           = "total"
	counterICMP            = "icmp"
	counterBlocked         = "blocked"
	counterAttacksDetected = "attacks_detected"
	counterAttacksBlocked  = "attacks_blocked"
	counterDropped         = "dropped"
	counterTrainedTotal    = "trained_total"
)

type Counters struct {
	Total           atomic.Uint64 // every captured packet
	ICMP            atomic.Uint64 // packets that were ICMP
	Blocked         atomic.Uint64 // packets arriving from already-blocked sources
	AttacksDetected atomic.Uint64 // distinct sources classified as attacking
	AttacksBlocked  atomic.Uint64 // sources the gateway confirmed enforcement for
	Dropped         atomic.Uint64 // events shed by the ingest limiter or full queue
	TrainedTotal    atomic.Uint64 // completed training runs this process
}

// Snapshot returns a point-in-time copy keyed by the stable counter names.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		counterTotal:           c.Total.Load(),
		counterICMP:            c.ICMP.Load(),
		counterBlocked:         c.Blocked.Load(),
		counterAttacksDetected: c.AttacksDetected.Load(),
		counterAttacksBlocked:  c.AttacksBlocked.Load(),
		counterDropped:         c.Dropped.Load(),
		counterTrainedTotal:    c.TrainedTotal.Load(),
	}
}

// Restore merges recognized keys from a persisted bundle into the counter
// set. Unknown keys are ignored rather than erroring, so older or newer
// bundles stay loadable.
func (c *Counters) Restore(saved map[string]uint64) {
	for key, v := range saved {
		switch key {
		case counterTotal:
			c.Total.Store(v)
		case counterICMP:
			c.ICMP.Store(v)
		case counterBlocked:
			c.Blocked.Store(v)
		case counterAttacksDetected:
			c.AttacksDetected.Store(v)
		case counterAttacksBlocked:
			c.AttacksBlocked.Store(v)
		case counterDropped:
			c.Dropped.Store(v)
		case counterTrainedTotal:
			c.TrainedTotal.Store(v)
		default:
			LogDebug("[PERSIST] Ignoring unknown counter key '%s'", key)
		}
	}
}
