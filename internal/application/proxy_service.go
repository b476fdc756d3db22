package application

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/relay"
	"socks-proxy/internal/resolver"
)

// ProxyService drives every accepted client through the SOCKS5 handshake
// and into one of the three command relays. All of its state lives in
// fd-keyed maps touched only from the event-loop goroutine, so none of
// it needs locking.
type ProxyService struct {
	log   *slog.Logger
	loop  domain.EventLoop
	creds *domain.Credentials
	res   *resolver.Resolver

	listenerV4 int
	listenerV6 int

	// sessions maps every fd a pre-relay session owns (client stream,
	// in-flight connect, BIND acceptor and timer, UDP socket pair) back
	// to that session. relays maps the fds a TCP relay has taken
	// ownership of; once an fd appears there, the session that created
	// it has been dropped.
	sessions map[int]*domain.Session
	relays   map[int]*relay.TcpRelay
}

// NewProxyService creates the listening sockets for cfg.Port. An IPv6
// listener and an IPv4 listener are created independently; if only the
// IPv6 one fails the server runs IPv4-only.
func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg Config, res *resolver.Resolver) (*ProxyService, error) {
	s := &ProxyService{
		log:        logger,
		loop:       loop,
		creds:      cfg.Credentials,
		res:        res,
		listenerV4: -1,
		listenerV6: -1,
		sessions:   make(map[int]*domain.Session),
		relays:     make(map[int]*relay.TcpRelay),
	}

	v6, err := network.ListenTCP(unix.AF_INET6, cfg.Port)
	if err != nil {
		logger.Warn("IPv6 listener unavailable, serving IPv4 only", "error", err)
	} else {
		s.listenerV6 = v6
	}

	v4, err := network.ListenTCP(unix.AF_INET, cfg.Port)
	if err != nil {
		if s.listenerV6 < 0 {
			return nil, fmt.Errorf("failed to listen tcp: %w", err)
		}
		logger.Warn("IPv4 listener unavailable, serving IPv6 only", "error", err)
	} else {
		s.listenerV4 = v4
	}
	return s, nil
}

func (s *ProxyService) Start() error {
	s.log.Info("Registering server sockets in EventLoop",
		"listener_v4", s.listenerV4, "listener_v6", s.listenerV6)

	for _, lfd := range []int{s.listenerV4, s.listenerV6} {
		if lfd < 0 {
			continue
		}
		if err := s.loop.Register(lfd, domain.EventRead); err != nil {
			return err
		}
	}

	s.log.Info("Proxy service is running loop...")
	return s.loop.Run(s)
}

func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	switch {
	case fd == s.listenerV4 || fd == s.listenerV6:
		return s.acceptClients(fd)
	case fd == s.res.FD():
		s.res.HandleRead()
		return nil
	case s.res.IsTimerFD(fd):
		s.res.HandleTimer(fd)
		return nil
	}

	if r, ok := s.relays[fd]; ok {
		if r.Pump(fd, event) {
			a, b := r.Pair()
			delete(s.relays, a)
			delete(s.relays, b)
		}
		return nil
	}

	sess := s.sessions[fd]
	if sess == nil {
		return nil
	}
	s.dispatchSession(sess, fd, event)
	return nil
}

func (s *ProxyService) dispatchSession(sess *domain.Session, fd int, event domain.EventType) {
	switch sess.Phase {
	case domain.PhaseNegotiating, domain.PhaseAuthenticating, domain.PhaseAwaitingRequest:
		if fd == sess.ClientFD && event&domain.EventRead != 0 {
			s.advanceHandshake(sess)
		}

	case domain.PhaseDispatching:
		switch {
		case fd == sess.RemoteFD && event&domain.EventWrite != 0:
			s.finalizeConnect(sess)
		case sess.Bind != nil && fd == sess.Bind.ListenFD:
			s.bindAccept(sess)
		case sess.Bind != nil && fd == sess.Bind.TimerFD:
			s.bindDeadline(sess)
		case fd == sess.ClientFD && event&domain.EventRead != 0:
			// The client has nothing legitimate to say between request
			// and reply; only check whether it hung up so a dead BIND
			// wait or in-flight connect does not linger.
			if peerClosed(sess.ClientFD) {
				s.closeSession(sess, "client closed while command pending")
			}
		}

	case domain.PhaseRelaying:
		// Only UDP ASSOCIATE sessions remain in the session table while
		// relaying; TCP relays own their fds through the relay table.
		switch {
		case sess.UDP != nil && fd == sess.UDP.ListenFD:
			s.udpOutbound(sess)
		case sess.UDP != nil && fd == sess.UDP.ForwarderFD:
			s.udpInbound(sess)
		case fd == sess.ClientFD:
			s.udpControl(sess)
		}
	}
}

func (s *ProxyService) acceptClients(listenFD int) error {
	for {
		nfd, peer, err := network.Accept4(listenFD)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.log.Error("Accept failed", "error", err)
			}
			return nil
		}

		local, err := network.LocalEndpoint(nfd)
		if err != nil {
			unix.Close(nfd)
			continue
		}
		if err := s.loop.Register(nfd, domain.EventRead); err != nil {
			unix.Close(nfd)
			continue
		}

		s.sessions[nfd] = domain.NewSession(nfd, local.Family)
		s.log.Info("New client accepted", "fd", nfd, "ip", endpointIP(peer))
	}
}

// closeSession tears down everything the session still owns: the client
// stream, any in-flight connect, BIND acceptor and timer, and the UDP
// socket pair. Idempotent; late resolver callbacks check the phase and
// become no-ops.
func (s *ProxyService) closeSession(sess *domain.Session, reason string) {
	if sess.Phase == domain.PhaseClosed {
		return
	}
	sess.Phase = domain.PhaseClosed
	s.log.Info("Closing session", "client_fd", sess.ClientFD, "reason", reason)

	s.dropFD(sess.ClientFD)
	if sess.RemoteFD >= 0 {
		s.dropFD(sess.RemoteFD)
		sess.RemoteFD = -1
	}
	if sess.Bind != nil {
		s.dropFD(sess.Bind.ListenFD)
		s.dropFD(sess.Bind.TimerFD)
		sess.Bind = nil
	}
	if sess.UDP != nil {
		s.dropFD(sess.UDP.ListenFD)
		s.dropFD(sess.UDP.ForwarderFD)
		sess.UDP = nil
	}
}

func (s *ProxyService) dropFD(fd int) {
	s.loop.Unregister(fd)
	unix.Close(fd)
	delete(s.sessions, fd)
}

// peerClosed peeks the stream without consuming, so bytes a client sends
// ahead of the command reply stay queued for the relay to pick up. A
// zero-byte result means EOF.
func peerClosed(fd int) bool {
	var b [1]byte
	n, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK)
	if err != nil {
		return err != unix.EAGAIN && err != unix.EWOULDBLOCK
	}
	return n == 0
}

func endpointIP(ep domain.Endpoint) string {
	if ep.Family == unix.AF_INET6 {
		return net.IP(ep.IP[:16]).String()
	}
	return net.IP(ep.IP[:4]).String()
}
