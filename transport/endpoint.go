// Package transport implements the message-oriented socket patterns the
// session layer is built on: Dealer/Router for asynchronous request routing
// and Req/Rep for strict lockstep exchanges.
//
// Each socket is driven by at most one goroutine per direction; the session
// layer centralizes all physical socket access in its own send and receive
// loops. Multi-part message boundaries and ordering are preserved on a
// single link by the protocol framing.
package transport

import (
	"strings"

	"github.com/pkg/errors"
)

// ParseEndpoint splits a "scheme://location" endpoint into the network and
// address arguments for net.Dial / net.Listen.
//
//	tcp://127.0.0.1:9000 → "tcp", "127.0.0.1:9000"
//	ipc:///tmp/app.sock  → "unix", "/tmp/app.sock"
func ParseEndpoint(endpoint string) (network, address string, err error) {
	scheme, rest, ok := strings.Cut(endpoint, "://")
	if !ok || rest == "" {
		return "", "", errors.Errorf("transport: invalid endpoint %q", endpoint)
	}
	switch scheme {
	case "tcp":
		return "tcp", rest, nil
	case "ipc":
		return "unix", rest, nil
	default:
		return "", "", errors.Errorf("transport: unsupported scheme %q", scheme)
	}
}
