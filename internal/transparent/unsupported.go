//go:build !linux

package transparent

import "net"

// unsupportedResolver is used on platforms without a known original
// destination recovery mechanism.
type unsupportedResolver struct{}

func NewResolver() Resolver {
	return unsupportedResolver{}
}

func (unsupportedResolver) OriginalAddr(net.Conn) (string, int, error) {
	return "", 0, ErrUnsupported
}
