//go:build !linux
// +build !linux

/*
File: enforce_stub.go
Version: 1.0.1
Description: Non-Linux builds have no enforcement backends; only mode "none"
             works there.
*/

package main

import (
	"fmt"
	"time"
)

func newBlackholeGateway(time.Duration) (EnforcementGateway, error) {
	return nil, fmt.Errorf("blackhole enforcement is only available on linux")
}

func newNFTablesGateway(time.Duration) (EnforcementGateway, error) {
	return nil, fmt.Errorf("nftables enforcement is only available on linux")
}
