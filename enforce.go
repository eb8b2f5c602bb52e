/*
File: enforce.go
Version: 1.1.0
Description: Enforcement gateway selection. The gateway turns a detection
             verdict into an actual drop: a kernel blackhole route or an
             nftables timeout set. Mode "none" runs the detector in
             observe-only mode with no gateway at all.
*/

package main

import (
	"fmt"
)

// EnforcementGateway pushes a block decision into the packet path. Block is
// idempotent: blocking an already-blocked source succeeds quietly. Expiry is
// the gateway's business (kernel set timeouts, route expiry timers); the
// detector never unblocks.
type EnforcementGateway interface {
	Name() string
	Block(ip string) error
	Close() error
}

// NewEnforcementGateway builds the configured gateway. Mode "none" returns
// (nil, nil): detections are still recorded, nothing is dropped.
func NewEnforcementGateway(cfg EnforceConfig) (EnforcementGateway, error) {
	switch cfg.Mode {
	case "none":
		return nil, nil
	case "blackhole":
		return newBlackholeGateway(cfg.parsedBlockDuration)
	case "nftables":
		return newNFTablesGateway(cfg.parsedBlockDuration)
	default:
		return nil, fmt.Errorf("unknown enforce mode '%s'", cfg.Mode)
	}
}
