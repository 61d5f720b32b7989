//go:build linux

package quic

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawConnOf extracts the syscall-level handle behind conn, if it
// exposes one; UDPConn does, most test fakes don't.
func rawConnOf(conn net.PacketConn) (syscall.RawConn, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return nil, errors.New("quic: conn has no SyscallConn")
	}
	return sc.SyscallConn()
}

// setDontFragment asks the kernel not to fragment outgoing datagrams on
// this socket, so an oversized packet fails with EMSGSIZE instead of
// silently fragmenting and breaking PMTU discovery.
func setDontFragment(conn net.PacketConn) error {
	raw, err := rawConnOf(conn)
	if err != nil {
		return err
	}
	var errIPv4, errIPv6 error
	if err := raw.Control(func(fd uintptr) {
		errIPv4 = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		errIPv6 = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO)
	}); err != nil {
		return err
	}
	if errIPv4 != nil && errIPv6 != nil {
		return fmt.Errorf("setting IP_MTU_DISCOVER failed for both address families: ipv4=%s ipv6=%s", errIPv4, errIPv6)
	}
	return nil
}

// forceSetReceiveBuffer raises the socket's receive buffer past what
// net.ListenUDP's default SO_RCVBUF honors, using SO_RCVBUFFORCE, which
// ignores rmem_max (requires CAP_NET_ADMIN; failure is non-fatal).
func forceSetReceiveBuffer(conn net.PacketConn, bytes int) error {
	raw, err := rawConnOf(conn)
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, bytes)
	}); err != nil {
		return err
	}
	return serr
}
