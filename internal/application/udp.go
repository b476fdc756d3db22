package application

import (
	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/relay"
	"socks-proxy/internal/wire"
)

// startUDPAssociate binds the client-facing UDP listener and the
// forwarder socket, both on the control channel's address family, and
// sends the reply naming where the client should send its datagrams.
// The relay then runs until the control TCP stream closes.
func (s *ProxyService) startUDPAssociate(sess *domain.Session) {
	ctrlLocal, err := network.LocalEndpoint(sess.ClientFD)
	if err != nil {
		s.refuse(sess, err)
		return
	}

	lfd, err := network.BindUDP(sess.LocalFamily, 0)
	if err != nil {
		s.refuse(sess, err)
		return
	}
	udpLocal, err := network.LocalEndpoint(lfd)
	if err != nil {
		unix.Close(lfd)
		s.refuse(sess, err)
		return
	}

	ffd, err := network.BindUDP(sess.LocalFamily, 0)
	if err != nil {
		unix.Close(lfd)
		s.refuse(sess, err)
		return
	}

	if err := s.loop.Register(lfd, domain.EventRead); err != nil {
		unix.Close(lfd)
		unix.Close(ffd)
		s.refuse(sess, err)
		return
	}
	if err := s.loop.Register(ffd, domain.EventRead); err != nil {
		s.loop.Unregister(lfd)
		unix.Close(lfd)
		unix.Close(ffd)
		s.refuse(sess, err)
		return
	}

	sess.UDP = &domain.UDPState{ListenFD: lfd, ForwarderFD: ffd}
	s.sessions[lfd] = sess
	s.sessions[ffd] = sess
	sess.Phase = domain.PhaseRelaying

	// BND.ADDR is the control channel's local IP, not the UDP socket's
	// (which is bound to the wildcard); BND.PORT is the UDP listener's.
	bound := ctrlLocal
	bound.Port = udpLocal.Port
	var scratch [32]byte
	reply := wire.EncodeReply(&scratch, domain.RepSuccess, bound)
	if err := relay.WriteFull(sess.ClientFD, reply); err != nil {
		s.closeSession(sess, "udp associate reply write failed")
		return
	}
	s.log.Info("UDP associate established", "client_fd", sess.ClientFD, "udp_port", udpLocal.Port)
}

// udpOutbound drains the client-facing listener. Every datagram received
// updates the observed client endpoint (the client may rebind behind a
// NAT), then its decoded payload is forwarded to the destination the
// frame header names. Fragmented and malformed frames are dropped.
func (s *ProxyService) udpOutbound(sess *domain.Session) {
	buf := make([]byte, 65535)
	for {
		n, from, err := unix.Recvfrom(sess.UDP.ListenFD, buf, 0)
		if err != nil {
			return
		}
		if client, ok := captureUDPSource(from); ok {
			sess.UDP.ClientAddr = client
			sess.UDP.HaveClient = true
		}

		addr, payload, err := wire.DecodeUDPFrame(buf[:n])
		if err != nil {
			s.log.Debug("Dropping UDP datagram", "client_fd", sess.ClientFD, "error", err)
			continue
		}
		s.forwardUDP(sess, addr, payload)
	}
}

func (s *ProxyService) forwardUDP(sess *domain.Session, addr domain.Address, payload []byte) {
	switch addr.Kind {
	case domain.AddrIPv4:
		s.sendForward(sess, &unix.SockaddrInet4{Port: int(addr.Port), Addr: addr.IPv4}, payload)

	case domain.AddrIPv6:
		s.sendForward(sess, &unix.SockaddrInet6{Port: int(addr.Port), Addr: addr.IPv6}, payload)

	case domain.AddrDomain:
		hint := domain.FamilyIPv4
		if sess.LocalFamily == unix.AF_INET6 {
			hint = domain.FamilyIPv6
		}
		port := addr.Port
		host := addr.Domain
		// The payload aliases the receive buffer, which the pump reuses
		// for the next datagram before the resolver answers.
		data := append([]byte(nil), payload...)
		err := s.res.Resolve(host, hint, func(eps []domain.Endpoint, err error) {
			if sess.Phase != domain.PhaseRelaying || sess.UDP == nil {
				return
			}
			if err != nil || len(eps) == 0 {
				s.log.Debug("Dropping UDP datagram, resolution failed",
					"client_fd", sess.ClientFD, "domain", host, "error", err)
				return
			}
			ep := eps[0]
			ep.Port = port
			s.sendForward(sess, network.Sockaddr(ep), data)
		})
		if err != nil {
			s.log.Debug("Dropping UDP datagram, resolver unavailable",
				"client_fd", sess.ClientFD, "domain", host, "error", err)
		}
	}
}

func (s *ProxyService) sendForward(sess *domain.Session, dest unix.Sockaddr, payload []byte) {
	if err := unix.Sendto(sess.UDP.ForwarderFD, payload, 0, dest); err != nil {
		s.log.Debug("UDP forward failed", "client_fd", sess.ClientFD, "error", err)
	}
}

// udpInbound drains the forwarder socket. Each remote datagram is
// wrapped in a header naming its sender (ATYP matching the sender's
// family) and delivered to the most recently observed client endpoint.
// Datagrams arriving before the client has ever sent one are dropped.
func (s *ProxyService) udpInbound(sess *domain.Session) {
	buf := make([]byte, 65535)
	for {
		n, from, err := unix.Recvfrom(sess.UDP.ForwarderFD, buf, 0)
		if err != nil {
			return
		}
		if !sess.UDP.HaveClient {
			continue
		}
		sender, err := network.EndpointFromSockaddr(from)
		if err != nil {
			continue
		}

		framed := wire.EncodeUDPFrame(sender, buf[:n])
		if err := unix.Sendto(sess.UDP.ListenFD, framed, 0, clientSockaddr(sess.UDP.ClientAddr)); err != nil {
			s.log.Debug("UDP return failed", "client_fd", sess.ClientFD, "error", err)
		}
	}
}

// udpControl watches the control TCP stream whose lifetime bounds the
// relay. Bytes the client sends here are discarded; EOF or a terminal
// error tears the whole associate down, UDP sockets included.
func (s *ProxyService) udpControl(sess *domain.Session) {
	buf := make([]byte, 512)
	for {
		n, err := unix.Read(sess.ClientFD, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.closeSession(sess, "udp control stream error")
			return
		}
		if n == 0 {
			s.closeSession(sess, "udp control stream closed")
			return
		}
	}
}

func captureUDPSource(sa unix.Sockaddr) (domain.ClientUDPAddr, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		c := domain.ClientUDPAddr{Family: unix.AF_INET, Port: uint16(a.Port)}
		copy(c.IP[:4], a.Addr[:])
		return c, true
	case *unix.SockaddrInet6:
		c := domain.ClientUDPAddr{Family: unix.AF_INET6, Port: uint16(a.Port)}
		copy(c.IP[:16], a.Addr[:])
		return c, true
	}
	return domain.ClientUDPAddr{}, false
}

func clientSockaddr(c domain.ClientUDPAddr) unix.Sockaddr {
	if c.Family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: int(c.Port)}
		copy(sa.Addr[:], c.IP[:16])
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(c.Port)}
	copy(sa.Addr[:], c.IP[:4])
	return sa
}
