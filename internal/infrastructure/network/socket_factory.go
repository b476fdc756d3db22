// Package network wraps the raw, non-blocking socket syscalls this design
// runs on: every listener, dialer, and datagram socket the application
// layer touches is a bare fd created here, never a net.Conn.
package network

import (
	"fmt"
	"socks-proxy/internal/domain"

	"golang.org/x/sys/unix"
)

// ListenTCP creates a non-blocking, listening TCP socket on the given
// family (unix.AF_INET or unix.AF_INET6) and port. Port 0 asks the OS to
// choose an ephemeral port.
func ListenTCP(family, port int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if family == unix.AF_INET6 {
		// Keep IPv4 and IPv6 listeners independent; the acceptor runs
		// one per family rather than letting the kernel fold v4 traffic
		// into the v6 socket.
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	if err := unix.Bind(fd, wildcardSockaddr(family, port)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ListenTCPOn binds a listening TCP socket to a specific local address
// rather than the wildcard, used by BIND, which listens on the address
// the most recent CONNECT bound locally.
func ListenTCPOn(local domain.Endpoint, port int) (int, error) {
	fd, err := unix.Socket(local.Family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, endpointSockaddr(local, port)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// DialTCP starts a non-blocking connect to ep and returns the new fd
// immediately; the caller registers it for EventWrite and finalizes the
// connection (checking SO_ERROR) once the socket becomes writable.
func DialTCP(ep domain.Endpoint) (int, error) {
	fd, err := unix.Socket(ep.Family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	sa := endpointSockaddr(ep, int(ep.Port))
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// BindUDP creates a non-blocking UDP socket on the given family. If port
// is 0 the OS chooses an ephemeral port (used for both the UDP ASSOCIATE
// listener and its forwarder socket).
func BindUDP(family, port int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, wildcardSockaddr(family, port)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Accept4 accepts one connection off a listening fd, returning the new
// non-blocking client fd and its peer endpoint.
func Accept4(listenFD int) (int, domain.Endpoint, error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, domain.Endpoint{}, err
	}
	ep, err := sockaddrToEndpoint(sa)
	if err != nil {
		unix.Close(nfd)
		return -1, domain.Endpoint{}, err
	}
	return nfd, ep, nil
}

// LocalEndpoint reports the local (bound) address of fd, used to learn
// the port the OS chose for an ephemeral bind, and to record the
// address a successful CONNECT dialed out from.
func LocalEndpoint(fd int) (domain.Endpoint, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return domain.Endpoint{}, err
	}
	return sockaddrToEndpoint(sa)
}

// PeerEndpoint reports the remote address fd is connected to.
func PeerEndpoint(fd int) (domain.Endpoint, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return domain.Endpoint{}, err
	}
	return sockaddrToEndpoint(sa)
}

// ConnectError returns the pending async connect()'s result by reading
// SO_ERROR after EPOLLOUT fires.
func ConnectError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func wildcardSockaddr(family, port int) unix.Sockaddr {
	if family == unix.AF_INET6 {
		return &unix.SockaddrInet6{Port: port}
	}
	return &unix.SockaddrInet4{Port: port}
}

func endpointSockaddr(ep domain.Endpoint, port int) unix.Sockaddr {
	if ep.Family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ep.IP[:16])
		return sa
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ep.IP[:4])
	return sa
}

// Sockaddr converts ep to the unix.Sockaddr form Sendto and Connect
// want, using ep's own port.
func Sockaddr(ep domain.Endpoint) unix.Sockaddr {
	return endpointSockaddr(ep, int(ep.Port))
}

// EndpointFromSockaddr converts a kernel-reported peer address (from
// Recvfrom or Accept) into an Endpoint.
func EndpointFromSockaddr(sa unix.Sockaddr) (domain.Endpoint, error) {
	return sockaddrToEndpoint(sa)
}

func sockaddrToEndpoint(sa unix.Sockaddr) (domain.Endpoint, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ep := domain.Endpoint{Family: unix.AF_INET, Port: uint16(a.Port)}
		copy(ep.IP[:4], a.Addr[:])
		return ep, nil
	case *unix.SockaddrInet6:
		ep := domain.Endpoint{Family: unix.AF_INET6, Port: uint16(a.Port)}
		copy(ep.IP[:16], a.Addr[:])
		return ep, nil
	default:
		return domain.Endpoint{}, fmt.Errorf("network: unsupported sockaddr type %T", sa)
	}
}
