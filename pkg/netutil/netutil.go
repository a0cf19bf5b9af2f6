// Package netutil holds small networking helpers shared by the relay server
// and client.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// LANAddress returns the local address of the interface carrying the
// default route. No packet is sent: dialing UDP only selects a route.
// It falls back to the loopback address when no route exists.
func LANAddress() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer func() { _ = conn.Close() }()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// IsClosedErr reports whether err means the peer or the local side closed
// the connection, as opposed to a genuine transport failure.
func IsClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
