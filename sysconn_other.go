//go:build !linux

package quic

import "net"

// setDontFragment is a no-op outside Linux; see sysconn_linux.go.
func setDontFragment(net.PacketConn) error { return nil }

// forceSetReceiveBuffer is a no-op outside Linux; see sysconn_linux.go.
func forceSetReceiveBuffer(net.PacketConn, int) error { return nil }
