/*
File: metrics.go
Version: 1.0.3
Description: Prometheus collector over the detector's status snapshot. All
             values are read at scrape time and emitted as const metrics;
             nothing here keeps its own state.
*/

package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsCollector struct {
	det *Detector

	packetsTotalDesc    *prometheus.Desc
	icmpTotalDesc       *prometheus.Desc
	droppedTotalDesc    *prometheus.Desc
	fromBlockedDesc     *prometheus.Desc
	detectedTotalDesc   *prometheus.Desc
	enforcedTotalDesc   *prometheus.Desc
	trainingsTotalDesc  *prometheus.Desc
	trackedFlowsDesc    *prometheus.Desc
	blockedSourcesDesc  *prometheus.Desc
	trainingSamplesDesc *prometheus.Desc
	modelReadyDesc      *prometheus.Desc
	accuracyDesc        *prometheus.Desc
	phaseDesc           *prometheus.Desc
}

func NewMetricsCollector(det *Detector) *MetricsCollector {
	return &MetricsCollector{
		det:                 det,
		packetsTotalDesc:    prometheus.NewDesc("icmpguard_packets_total", "Packets observed, all protocols", nil, nil),
		icmpTotalDesc:       prometheus.NewDesc("icmpguard_icmp_packets_total", "ICMP packets observed", nil, nil),
		droppedTotalDesc:    prometheus.NewDesc("icmpguard_events_dropped_total", "Events shed before processing (queue full or rate cap)", nil, nil),
		fromBlockedDesc:     prometheus.NewDesc("icmpguard_blocked_source_packets_total", "Packets seen from already-blocked sources", nil, nil),
		detectedTotalDesc:   prometheus.NewDesc("icmpguard_attacks_detected_total", "Attack verdicts", nil, nil),
		enforcedTotalDesc:   prometheus.NewDesc("icmpguard_attacks_enforced_total", "Attack verdicts pushed to the enforcement gateway", nil, nil),
		trainingsTotalDesc:  prometheus.NewDesc("icmpguard_trainings_total", "Completed training runs", nil, nil),
		trackedFlowsDesc:    prometheus.NewDesc("icmpguard_tracked_flows", "Sources currently tracked", nil, nil),
		blockedSourcesDesc:  prometheus.NewDesc("icmpguard_blocked_sources", "Sources in the blocked set", nil, nil),
		trainingSamplesDesc: prometheus.NewDesc("icmpguard_training_samples", "Training samples in the pool", []string{"class"}, nil),
		modelReadyDesc:      prometheus.NewDesc("icmpguard_model_ready", "1 when a trained model is loaded", nil, nil),
		accuracyDesc:        prometheus.NewDesc("icmpguard_training_accuracy", "Training-set accuracy of the active model", nil, nil),
		phaseDesc:           prometheus.NewDesc("icmpguard_phase", "Current phase (value is always 1, phase rides in the label)", []string{"phase"}, nil),
	}
}

func (mc *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.packetsTotalDesc
	ch <- mc.icmpTotalDesc
	ch <- mc.droppedTotalDesc
	ch <- mc.fromBlockedDesc
	ch <- mc.detectedTotalDesc
	ch <- mc.enforcedTotalDesc
	ch <- mc.trainingsTotalDesc
	ch <- mc.trackedFlowsDesc
	ch <- mc.blockedSourcesDesc
	ch <- mc.trainingSamplesDesc
	ch <- mc.modelReadyDesc
	ch <- mc.accuracyDesc
	ch <- mc.phaseDesc
}

func (mc *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := mc.det.Status()

	ch <- prometheus.MustNewConstMetric(mc.packetsTotalDesc, prometheus.CounterValue, float64(s.Counters[counterTotal]))
	ch <- prometheus.MustNewConstMetric(mc.icmpTotalDesc, prometheus.CounterValue, float64(s.Counters[counterICMP]))
	ch <- prometheus.MustNewConstMetric(mc.droppedTotalDesc, prometheus.CounterValue, float64(s.Counters[counterDropped]))
	ch <- prometheus.MustNewConstMetric(mc.fromBlockedDesc, prometheus.CounterValue, float64(s.Counters[counterBlocked]))
	ch <- prometheus.MustNewConstMetric(mc.detectedTotalDesc, prometheus.CounterValue, float64(s.Counters[counterAttacksDetected]))
	ch <- prometheus.MustNewConstMetric(mc.enforcedTotalDesc, prometheus.CounterValue, float64(s.Counters[counterAttacksBlocked]))
	ch <- prometheus.MustNewConstMetric(mc.trainingsTotalDesc, prometheus.CounterValue, float64(s.Counters[counterTrainedTotal]))
	ch <- prometheus.MustNewConstMetric(mc.trackedFlowsDesc, prometheus.GaugeValue, float64(s.TrackedFlows))
	ch <- prometheus.MustNewConstMetric(mc.blockedSourcesDesc, prometheus.GaugeValue, float64(s.BlockedCount))
	ch <- prometheus.MustNewConstMetric(mc.trainingSamplesDesc, prometheus.GaugeValue, float64(s.NormalSamples), "normal")
	ch <- prometheus.MustNewConstMetric(mc.trainingSamplesDesc, prometheus.GaugeValue, float64(s.AttackSamples), "attack")

	ready := 0.0
	if s.ModelReady {
		ready = 1.0
	}
	ch <- prometheus.MustNewConstMetric(mc.modelReadyDesc, prometheus.GaugeValue, ready)
	if meta := mc.det.classifier.Metadata(); meta != nil {
		ch <- prometheus.MustNewConstMetric(mc.accuracyDesc, prometheus.GaugeValue, meta.Performance.TrainingAccuracy)
	}
	ch <- prometheus.MustNewConstMetric(mc.phaseDesc, prometheus.GaugeValue, 1, s.Phase)
}

// NewMetricsHandler builds a scrape endpoint backed by its own registry.
func NewMetricsHandler(det *Detector) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewMetricsCollector(det),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
