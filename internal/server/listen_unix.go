//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package server

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePort reports whether the platform lets a restart bind its replacement
// listener while the old one is still accepting.
const reusePort = true

// listen binds a TCP listener with SO_REUSEPORT so that the outgoing and
// incoming listeners of a restart can briefly coexist on one port.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
