/*
File: detector.go
Version: 1.2.1
Description: Detection coordinator. Owns the per-source flow tracker, the
             training sample pool, the classifier and the blocked-source set,
             and drives the event pipeline: count, screen, window, then either
             collect a labeled sample or classify and enforce. Also runs the
             periodic maintenance loop (idle-flow cleanup, auto-save, stats).
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBlockDuration = 300 * time.Second
	autoSaveInterval     = 300 * time.Second
	cleanupInterval      = 300 * time.Second
	statsInterval        = 60 * time.Second

	// Detection history is trimmed in memory once it grows past the
	// threshold; persistence keeps its own, smaller cap.
	detectionTrimThreshold = 1000
	detectionTrimTarget    = 500
)

// DetectionRecord captures one attack verdict at the moment it was made.
type DetectionRecord struct {
	Time        time.Time `json:"time"`
	Source      string    `json:"source"`
	Confidence  float64   `json:"confidence"`
	PacketCount int       `json:"packet_count"`
	MeanLength  float64   `json:"mean_length"`
	Hostname    string    `json:"hostname,omitempty"`
}

// BlockedEntry is one entry of the blocked-source set as reported over the
// control API.
type BlockedEntry struct {
	Source    string    `json:"source"`
	BlockedAt time.Time `json:"blocked_at"`
}

// StatusReport is the coordinator state snapshot served by /api/status and
// scraped by the metrics collector.
type StatusReport struct {
	Phase          string            `json:"phase"`
	ModelReady     bool              `json:"model_ready"`
	ActiveLabel    int               `json:"active_label"` // -1 outside collection
	SampleCount    int               `json:"sample_count"`
	NormalSamples  int               `json:"normal_samples"`
	AttackSamples  int               `json:"attack_samples"`
	TrackedFlows   int               `json:"tracked_flows"`
	BlockedCount   int               `json:"blocked_count"`
	DetectionCount int               `json:"detection_count"`
	Counters       map[string]uint64 `json:"counters"`
	Uptime         string            `json:"uptime"`
}

// Detector is the coordinator. One instance per process, created explicitly
// and passed by handle; nothing here lives in package globals. The single
// mutex covers training state, the blocked set and the detection history,
// which keeps sample arrival order and block idempotency trivially correct.
// The tracker and classifier carry their own finer-grained locking.
type Detector struct {
	mu         sync.Mutex
	training   trainingState
	blocked    map[string]time.Time
	detections []DetectionRecord

	tracker    *FlowTracker
	classifier BinaryClassifier
	store      *ModelStore
	counters   Counters

	// Optional collaborators, attached before Start. All nil-safe.
	gateway  EnforcementGateway
	trusted  *TrustedNets
	resolver *Resolver
	history  *HistoryStore

	trainBusy    atomic.Bool
	saveInterval time.Duration
	started      time.Time
}

func NewDetector(cfg *Config) *Detector {
	saveEvery := cfg.Persistence.parsedSaveInterval
	if saveEvery <= 0 {
		saveEvery = autoSaveInterval
	}
	return &Detector{
		training:     trainingState{phase: PhaseIdle, activeLabel: -1},
		blocked:      make(map[string]time.Time),
		tracker:      NewFlowTracker(cfg.Tracker.parsedWindow, cfg.Tracker.parsedIdle),
		classifier:   NewSVMClassifier(cfg.Tracker.parsedWindow),
		store:        NewModelStore(cfg.Persistence.StateDir),
		saveInterval: saveEvery,
		started:      time.Now(),
	}
}

// --- Collaborator wiring (before Start) ---

func (d *Detector) AttachGateway(g EnforcementGateway) { d.gateway = g }
func (d *Detector) AttachTrusted(t *TrustedNets)       { d.trusted = t }
func (d *Detector) AttachResolver(r *Resolver)         { d.resolver = r }
func (d *Detector) AttachHistory(h *HistoryStore)      { d.history = h }

// --- Event pipeline ---

// HandleEvent runs one packet event through the pipeline. Every event counts
// toward the total; only ICMP events (Type >= 0) go further. Events from
// already-blocked sources are counted and dropped before touching the
// tracker, so a flood from a blocked source costs one map lookup per packet.
func (d *Detector) HandleEvent(ev PacketEvent) {
	d.counters.Total.Add(1)
	if ev.ICMPType < 0 {
		return
	}
	d.counters.ICMP.Add(1)

	src := ev.Source
	if d.trusted != nil && d.trusted.Contains(src) {
		return
	}

	d.mu.Lock()
	if _, ok := d.blocked[src]; ok {
		d.mu.Unlock()
		d.counters.Blocked.Add(1)
		return
	}
	d.mu.Unlock()

	feats := d.tracker.Observe(src, ev.Timestamp, ev.Length)

	d.mu.Lock()
	if d.training.phase == PhaseCollecting {
		idx := d.training.observe(feats)
		label := d.training.activeLabel
		d.mu.Unlock()
		if idx >= 0 && IsDebugEnabled() {
			LogDebug("[TRAINING] Sample %d from %s (count=%d, mean=%.1f, label=%d)",
				idx, src, feats.PacketCount, feats.MeanLength, label)
		}
		return
	}
	d.mu.Unlock()

	// Windows too shallow to mean anything are never classified.
	if feats.PacketCount <= minWindowSamples || !d.classifier.Ready() {
		return
	}

	label, confidence, err := d.classifier.Predict(feats.Vector())
	if err != nil {
		// Fail open: a classifier problem must never drop traffic.
		LogWarn("[CLASSIFIER] Prediction failed for %s: %v (passing traffic)", src, err)
		return
	}
	if label != 1 {
		return
	}
	d.blockSource(src, confidence, feats)
}

// blockSource adds the source to the blocked set exactly once, counting and
// recording the detection in the same locked step, then pushes the block to
// the enforcement gateway. The set is monotonic for the life of the process;
// expiry is the gateway's business.
func (d *Detector) blockSource(src string, confidence float64, feats Features) {
	now := time.Now().UTC()
	rec := DetectionRecord{
		Time:        now,
		Source:      src,
		Confidence:  confidence,
		PacketCount: feats.PacketCount,
		MeanLength:  feats.MeanLength,
	}
	if d.resolver != nil {
		if host, ok := d.resolver.Cached(src); ok {
			rec.Hostname = host
		}
	}

	d.mu.Lock()
	if _, ok := d.blocked[src]; ok {
		d.mu.Unlock()
		return
	}
	d.blocked[src] = now
	d.counters.AttacksDetected.Add(1)
	d.detections = append(d.detections, rec)
	if len(d.detections) > detectionTrimThreshold {
		trimmed := make([]DetectionRecord, detectionTrimTarget)
		copy(trimmed, d.detections[len(d.detections)-detectionTrimTarget:])
		d.detections = trimmed
	}
	d.mu.Unlock()

	LogWarn("[DETECT] Attack traffic from %s (confidence %.2f, count=%d, mean=%.1f)",
		src, confidence, feats.PacketCount, feats.MeanLength)

	if d.gateway != nil {
		if err := d.gateway.Block(src); err != nil {
			LogError("[ENFORCE] Block of %s failed: %v", src, err)
		} else {
			d.counters.AttacksBlocked.Add(1)
			LogInfo("[ENFORCE] Source %s blocked via %s", src, d.gateway.Name())
		}
	}
	if d.history != nil {
		d.history.Record(rec)
	}
	if d.resolver != nil && rec.Hostname == "" {
		go func(ip string) {
			if host := d.resolver.Lookup(ip); host != "" {
				LogInfo("[DETECT] Source %s resolves to %s", ip, host)
			}
		}(src)
	}
}

// --- Training operations ---

// StartTraining begins (or resumes) collecting samples under the given label.
// Collection is cumulative across calls: switching labels keeps everything
// gathered so far, which is how a balanced dataset is built up.
func (d *Detector) StartTraining(label int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.training.startCollection(label); err != nil {
		return err
	}
	n, a := d.training.classCounts()
	LogInfo("[TRAINING] Collecting label %d (pool: %d normal, %d attack)", label, n, a)
	return nil
}

// StopTraining ends collection and fits a model on the accumulated pool.
// Validation or fit failure reverts to Idle with the pool intact; the
// operator re-enters collection, adds more data and retries. A previously
// committed artifact keeps serving through a failed retrain.
func (d *Detector) StopTraining() (*ModelMetadata, error) {
	if !d.trainBusy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("training already in progress")
	}
	defer d.trainBusy.Store(false)

	d.mu.Lock()
	if d.training.phase != PhaseCollecting {
		d.mu.Unlock()
		return nil, fmt.Errorf("stop requested in phase %s: %w", d.training.phase, ErrNotCollecting)
	}
	if err := d.training.validate(); err != nil {
		d.training.phase = PhaseIdle
		d.training.activeLabel = -1
		d.mu.Unlock()
		return nil, err
	}
	samples, labels := d.training.snapshot()
	d.mu.Unlock()

	meta, err := d.classifier.Train(samples, labels)
	if err != nil {
		d.mu.Lock()
		d.training.phase = PhaseIdle
		d.training.activeLabel = -1
		d.mu.Unlock()
		return nil, err
	}

	d.mu.Lock()
	d.training.phase = PhaseTrained
	d.training.activeLabel = -1
	d.mu.Unlock()
	d.counters.TrainedTotal.Add(1)

	if _, err := d.SaveNow(); err != nil {
		LogWarn("[PERSIST] Post-training save failed: %v", err)
	}
	return meta, nil
}

// TrainingData returns a copy of the accumulated sample pool, for export.
func (d *Detector) TrainingData() ([][]float64, []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.training.snapshot()
}

// EvaluateModel replays the stored training set through the committed model
// and returns the confusion matrix. Reporting only; nothing is mutated.
func (d *Detector) EvaluateModel() (ConfusionMatrix, error) {
	d.mu.Lock()
	samples, labels := d.training.snapshot()
	d.mu.Unlock()
	return d.classifier.Evaluate(samples, labels)
}

// --- Persistence operations ---

// SaveNow persists the current model bundle. ErrNotTrained when there is no
// model yet; periodic auto-save checks readiness first and never hits that.
func (d *Detector) SaveNow() (*SaveReport, error) {
	model, meta := d.classifier.snapshot()
	if model == nil {
		return nil, fmt.Errorf("nothing to save: %w", ErrNotTrained)
	}

	d.mu.Lock()
	samples, labels := d.training.snapshot()
	dets := d.recentDetectionsLocked(persistedDetections)
	d.mu.Unlock()

	return d.store.Save(&ModelBundle{
		Model:      model,
		Metadata:   meta,
		Samples:    samples,
		Labels:     labels,
		Detections: dets,
		Counters:   d.counters.Snapshot(),
	})
}

// LoadFromDisk restores the newest usable bundle. ErrNoModel is the normal
// first-run outcome and callers treat it as "start untrained".
func (d *Detector) LoadFromDisk() error {
	bundle, path, err := d.store.Load()
	if err != nil {
		return err
	}
	if err := d.classifier.restore(bundle.Model, bundle.Metadata); err != nil {
		return fmt.Errorf("restore classifier: %w", err)
	}

	d.mu.Lock()
	d.training.restore(bundle.Samples, bundle.Labels, true)
	d.detections = append([]DetectionRecord(nil), bundle.Detections...)
	d.mu.Unlock()
	d.counters.Restore(bundle.Counters)

	LogInfo("[PERSIST] Model restored from %s (trained %s, %d samples, %d detections)",
		path, bundle.Metadata.TrainedAt.Format(time.RFC3339), len(bundle.Samples), len(bundle.Detections))
	return nil
}

// --- Introspection ---

func (d *Detector) Status() StatusReport {
	d.mu.Lock()
	phase := d.training.phase
	active := -1
	if phase == PhaseCollecting {
		active = d.training.activeLabel
	}
	total := len(d.training.samples)
	normal, attack := d.training.classCounts()
	blocked := len(d.blocked)
	detections := len(d.detections)
	d.mu.Unlock()

	return StatusReport{
		Phase:          phase.String(),
		ModelReady:     d.classifier.Ready(),
		ActiveLabel:    active,
		SampleCount:    total,
		NormalSamples:  normal,
		AttackSamples:  attack,
		TrackedFlows:   d.tracker.Len(),
		BlockedCount:   blocked,
		DetectionCount: detections,
		Counters:       d.counters.Snapshot(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
	}
}

// Detections returns the most recent records, newest last. limit <= 0 means
// everything currently held.
func (d *Detector) Detections(limit int) []DetectionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.detections) {
		limit = len(d.detections)
	}
	return d.recentDetectionsLocked(limit)
}

func (d *Detector) recentDetectionsLocked(limit int) []DetectionRecord {
	if limit > len(d.detections) {
		limit = len(d.detections)
	}
	out := make([]DetectionRecord, limit)
	copy(out, d.detections[len(d.detections)-limit:])
	return out
}

func (d *Detector) BlockedSources() []BlockedEntry {
	d.mu.Lock()
	out := make([]BlockedEntry, 0, len(d.blocked))
	for src, at := range d.blocked {
		out = append(out, BlockedEntry{Source: src, BlockedAt: at})
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.Before(out[j].BlockedAt) })
	return out
}

// --- Maintenance loop ---

// Run drives periodic maintenance until the context is cancelled: idle-flow
// eviction, model auto-save and a stats line. Blocks; run it in a goroutine.
func (d *Detector) Run(ctx context.Context) {
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()
	saveTicker := time.NewTicker(d.saveInterval)
	defer saveTicker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	LogInfo("[SYSTEM] Maintenance loop started (cleanup %v, auto-save %v, stats %v)",
		cleanupInterval, d.saveInterval, statsInterval)

	for {
		select {
		case <-ctx.Done():
			LogInfo("[SYSTEM] Maintenance loop stopping")
			return
		case <-cleanupTicker.C:
			if n := d.tracker.Cleanup(); n > 0 {
				LogDebug("[TRACKER] Evicted %d idle flows", n)
			}
		case <-saveTicker.C:
			if !d.classifier.Ready() {
				continue
			}
			if _, err := d.SaveNow(); err != nil {
				LogWarn("[PERSIST] Auto-save failed: %v", err)
			}
		case <-statsTicker.C:
			d.logStats()
		}
	}
}

// Shutdown flushes state that should survive a restart.
func (d *Detector) Shutdown() {
	if !d.classifier.Ready() {
		return
	}
	if _, err := d.SaveNow(); err != nil {
		LogWarn("[PERSIST] Shutdown save failed: %v", err)
	} else {
		LogInfo("[PERSIST] Model saved on shutdown")
	}
}

func (d *Detector) logStats() {
	if !IsInfoEnabled() {
		return
	}
	s := d.Status()
	LogInfo("[STATS] Total: %d | ICMP: %d | Dropped: %d | From blocked: %d | Detected: %d | Enforced: %d | Flows: %d | Sources blocked: %d | Phase: %s",
		s.Counters[counterTotal], s.Counters[counterICMP], s.Counters[counterDropped],
		s.Counters[counterBlocked], s.Counters[counterAttacksDetected], s.Counters[counterAttacksBlocked],
		s.TrackedFlows, s.BlockedCount, s.Phase)
}

// errorsIsAny reports whether err matches any of the given sentinels.
func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
