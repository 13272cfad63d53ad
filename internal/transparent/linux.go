//go:build linux

package transparent

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SO_ORIGINAL_DST recovers the pre-NAT destination of a connection redirected
// by an iptables REDIRECT/TPROXY rule.
const soOriginalDst = 80

// LinuxResolver implements Resolver via getsockopt(SO_ORIGINAL_DST), the
// standard mechanism for Linux netfilter-based transparent proxying.
type LinuxResolver struct{}

func NewResolver() Resolver {
	return LinuxResolver{}
}

func (LinuxResolver) OriginalAddr(conn net.Conn) (string, int, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return "", 0, fmt.Errorf("transparent: not a TCP connection")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return "", 0, err
	}

	var addr unix.RawSockaddrInet4
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		addr, sockErr = getOriginalDst(int(fd))
	})
	if ctrlErr != nil {
		return "", 0, ctrlErr
	}
	if sockErr != nil {
		return "", 0, sockErr
	}

	ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
	port := int(addr.Port&0xff)<<8 | int(addr.Port>>8)
	return ip.String(), port, nil
}

func getOriginalDst(fd int) (unix.RawSockaddrInet4, error) {
	var addr unix.RawSockaddrInet4
	size := uint32(unix.SizeofSockaddrInet4)
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(unix.SOL_IP),
		soOriginalDst,
		uintptr(unsafe.Pointer(&addr)), //nolint:gosec // required shape for the getsockopt syscall
		uintptr(unsafe.Pointer(&size)), //nolint:gosec
		0,
	)
	if errno != 0 {
		return addr, errno
	}
	return addr, nil
}
