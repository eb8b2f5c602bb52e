/*
File: utils.go
Description: Common utility functions for network address handling.
*/

package main

import (
	"net"
)

func getIPFromAddr(addr net.Addr) net.IP {
	if addr == nil {
		return nil
	}
	switch v := addr.(type) {
	case *net.UDPAddr:
		return v.IP
	case *net.TCPAddr:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.ParseIP(addr.String())
		}
		return net.ParseIP(host)
	}
}

// sourceAddr renders the peer address as a bare IP string, "" when the
// address cannot be interpreted as one.
func sourceAddr(addr net.Addr) string {
	ip := getIPFromAddr(addr)
	if ip == nil {
		return ""
	}
	return ip.String()
}
