// Package transparent recovers the original destination of a transparently
// intercepted connection.
package transparent

import (
	"errors"
	"net"
)

// ErrUnsupported is returned by resolvers on platforms without an
// original-destination recovery mechanism.
var ErrUnsupported = errors.New("transparent mode not supported on this platform")

// Resolver recovers the address a client socket was originally destined
// for before OS-level NAT redirected it to the proxy.
type Resolver interface {
	OriginalAddr(conn net.Conn) (host string, port int, err error)
}
