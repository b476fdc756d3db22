package application

import (
	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/relay"
	"socks-proxy/internal/socks5err"
	"socks-proxy/internal/wire"
)

// lastConnectLocal is the local address the most recent successful
// CONNECT bound, consumed by BIND when choosing its listening address.
// Written and read only from the event-loop goroutine, so a plain
// package variable is race-free; concurrent sessions overwrite it
// last-writer-wins.
var lastConnectLocal *domain.Endpoint

func (s *ProxyService) startConnect(sess *domain.Session) {
	switch sess.TargetAddr.Kind {
	case domain.AddrIPv4:
		ep := domain.Endpoint{Family: unix.AF_INET, Port: sess.TargetAddr.Port}
		copy(ep.IP[:4], sess.TargetAddr.IPv4[:])
		sess.DialQueue = []domain.Endpoint{ep}
		s.dialNext(sess)

	case domain.AddrIPv6:
		ep := domain.Endpoint{Family: unix.AF_INET6, Port: sess.TargetAddr.Port}
		copy(ep.IP[:16], sess.TargetAddr.IPv6[:])
		sess.DialQueue = []domain.Endpoint{ep}
		s.dialNext(sess)

	case domain.AddrDomain:
		host := sess.TargetAddr.Domain
		port := sess.TargetAddr.Port
		s.log.Info("Resolving domain", "domain", host, "client_fd", sess.ClientFD)
		err := s.res.Resolve(host, domain.FamilyEither, func(eps []domain.Endpoint, err error) {
			if sess.Phase == domain.PhaseClosed {
				return
			}
			if err != nil {
				s.log.Warn("Resolution failed", "domain", host, "error", err)
				s.refuse(sess, err)
				return
			}
			for i := range eps {
				eps[i].Port = port
			}
			sess.DialQueue = preferFamily(eps, sess.LocalFamily)
			s.dialNext(sess)
		})
		if err != nil {
			s.refuse(sess, err)
		}
	}
}

// preferFamily stably moves endpoints matching the control channel's
// family to the front; resolution order within each family is kept, so
// the fallback families are still attempted in resolver order.
func preferFamily(eps []domain.Endpoint, family int) []domain.Endpoint {
	out := make([]domain.Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep.Family == family {
			out = append(out, ep)
		}
	}
	for _, ep := range eps {
		if ep.Family != family {
			out = append(out, ep)
		}
	}
	return out
}

// dialNext starts a non-blocking connect to the next queued endpoint.
// Completion or failure is reported by EventWrite on the new fd and
// handled in finalizeConnect. When the queue runs dry the client gets a
// reply coded from the last failure seen.
func (s *ProxyService) dialNext(sess *domain.Session) {
	for len(sess.DialQueue) > 0 {
		ep := sess.DialQueue[0]
		sess.DialQueue = sess.DialQueue[1:]

		fd, err := network.DialTCP(ep)
		if err != nil {
			sess.LastDialErr = err
			continue
		}
		if err := s.loop.Register(fd, domain.EventWrite); err != nil {
			unix.Close(fd)
			sess.LastDialErr = err
			continue
		}
		sess.RemoteFD = fd
		s.sessions[fd] = sess
		s.log.Debug("Initiating TCP connection", "client_fd", sess.ClientFD, "remote_fd", fd)
		return
	}

	err := sess.LastDialErr
	if err == nil {
		err = socks5err.ErrEmptyResolveResult
	}
	s.refuse(sess, err)
}

// finalizeConnect runs when the in-flight connect's fd reports writable:
// either the connection is up, or SO_ERROR holds the failure and the
// next queued endpoint is attempted.
func (s *ProxyService) finalizeConnect(sess *domain.Session) {
	fd := sess.RemoteFD
	if err := network.ConnectError(fd); err != nil {
		sess.LastDialErr = err
		s.dropFD(fd)
		sess.RemoteFD = -1
		s.dialNext(sess)
		return
	}

	local, err := network.LocalEndpoint(fd)
	if err != nil {
		s.refuse(sess, err)
		return
	}
	cp := local
	lastConnectLocal = &cp

	var scratch [32]byte
	reply := wire.EncodeReply(&scratch, domain.RepSuccess, local)
	if err := relay.WriteFull(sess.ClientFD, reply); err != nil {
		s.closeSession(sess, "connect reply write failed")
		return
	}

	s.log.Info("Connected to target", "client_fd", sess.ClientFD, "remote_fd", fd)
	s.startRelay(sess)
}

// startRelay hands both streams from the session to a TcpRelay. The
// session's own registrations and table entries are dropped first; the
// relay re-registers the fds and owns their teardown from here on.
func (s *ProxyService) startRelay(sess *domain.Session) {
	a, b := sess.ClientFD, sess.RemoteFD
	s.loop.Unregister(a)
	s.loop.Unregister(b)
	delete(s.sessions, a)
	delete(s.sessions, b)
	sess.Phase = domain.PhaseRelaying

	r, err := relay.New(s.log, s.loop, a, b)
	if err != nil {
		s.log.Error("Relay setup failed", "error", err)
		unix.Close(a)
		unix.Close(b)
		return
	}
	s.relays[a] = r
	s.relays[b] = r
}
