//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd)

package server

import (
	"context"
	"net"
)

// reusePort is false here: the platform disallows two listeners on one port,
// so a restart closes the old listener before binding the new one. The brief
// connection-refusal window is the documented tradeoff of that ordering.
const reusePort = false

func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
