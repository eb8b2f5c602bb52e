/*
File: utils_test.go
Description: Peer address normalization.
*/

package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stringAddr struct{ s string }

func (a stringAddr) Network() string { return "test" }
func (a stringAddr) String() string  { return a.s }

func TestSourceAddr(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"ip addr", &net.IPAddr{IP: net.IPv4(198, 51, 100, 7)}, "198.51.100.7"},
		{"udp addr", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 33434}, "10.0.0.1"},
		{"tcp addr", &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 443}, "2001:db8::1"},
		{"bare string ip", stringAddr{"192.0.2.9"}, "192.0.2.9"},
		{"host:port string", stringAddr{"192.0.2.9:1234"}, "192.0.2.9"},
		{"garbage", stringAddr{"not-an-address"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sourceAddr(tt.addr))
		})
	}
}

func TestNewEnforcementGateway_ModeDispatch(t *testing.T) {
	gw, err := NewEnforcementGateway(EnforceConfig{Mode: "none"})
	assert.NoError(t, err)
	assert.Nil(t, gw)

	_, err = NewEnforcementGateway(EnforceConfig{Mode: "moat"})
	assert.Error(t, err)
}
