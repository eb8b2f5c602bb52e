/*
File: main.go
Version: 1.2.0
Description: Process entry point. Loads the config, wires the detector and
             its collaborators (capture source, enforcement gateway, trusted
             networks, rDNS, history archive, control API), then runs until a
             signal arrives or a replay finishes. Shutdown drains the event
             pipeline before anything that persists state is torn down.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const appVersion = "1.2.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("icmpguard %s\n", appVersion)
		return
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "icmpguard: %v\n", err)
		os.Exit(1)
	}
	defer ShutdownLogger()

	LogInfo("[SYSTEM] icmpguard %s starting (capture=%s, enforce=%s)",
		appVersion, cfg.Capture.Mode, cfg.Enforce.Mode)

	det := NewDetector(cfg)

	// Loopback is always exempt; the operator list adds to it.
	trusted, err := NewTrustedNets(append([]string{"127.0.0.0/8", "::1"}, cfg.TrustedNets...))
	if err != nil {
		LogFatal("[SYSTEM] %v", err)
	}
	det.AttachTrusted(trusted)

	if boolOrDefault(cfg.RDNS.Enabled, true) {
		det.AttachResolver(NewResolver(cfg.RDNS))
	}

	gateway, err := NewEnforcementGateway(cfg.Enforce)
	if err != nil {
		LogFatal("[SYSTEM] Enforcement setup failed: %v", err)
	}
	if gateway != nil {
		det.AttachGateway(gateway)
	} else {
		LogInfo("[SYSTEM] Enforcement disabled, running observe-only")
	}

	var history *HistoryStore
	if cfg.History.Database != "" {
		history, err = OpenHistory(cfg.History.Database)
		if err != nil {
			LogFatal("[SYSTEM] History archive setup failed: %v", err)
		}
		det.AttachHistory(history)
	}

	if boolOrDefault(cfg.Persistence.AutoLoad, true) {
		if err := det.LoadFromDisk(); err != nil {
			if errors.Is(err, ErrNoModel) {
				LogInfo("[PERSIST] No saved model found, starting untrained")
			} else {
				LogWarn("[PERSIST] Could not restore model: %v (starting untrained)", err)
			}
		}
	}

	source, err := NewPacketSource(cfg.Capture)
	if err != nil {
		LogFatal("[SYSTEM] Capture setup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		det.Run(ctx)
	}()

	engine := NewCaptureEngine(cfg.Capture, source, det)
	engine.Start(ctx)

	var control *ControlServer
	if boolOrDefault(cfg.Control.Enabled, true) {
		var metricsHandler = NewMetricsHandler(det)
		if !boolOrDefault(cfg.Metrics.Enabled, true) {
			metricsHandler = nil
		}
		control = NewControlServer(cfg.Control, det, history, metricsHandler)
		control.Start(&wg)
	}

	LogInfo("[SYSTEM] icmpguard ready")

	// Replay sources finish on their own; live sources only stop on signal.
	pipelineDone := make(chan struct{})
	go func() {
		engine.Wait()
		close(pipelineDone)
	}()
	select {
	case <-ctx.Done():
		LogInfo("[SYSTEM] Shutdown signal received")
	case <-pipelineDone:
		LogInfo("[SYSTEM] Capture source exhausted")
	}
	stop()
	<-pipelineDone

	if control != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := control.Shutdown(shCtx); err != nil {
			LogWarn("[CONTROL] API shutdown: %v", err)
		}
		cancel()
	}
	wg.Wait()

	det.logStats()
	det.Shutdown()
	if history != nil {
		if err := history.Close(); err != nil {
			LogWarn("[HISTORY] Close failed: %v", err)
		}
	}
	if gateway != nil {
		if err := gateway.Close(); err != nil {
			LogWarn("[ENFORCE] Gateway close failed: %v", err)
		}
	}
	LogInfo("[SYSTEM] icmpguard stopped")
}
