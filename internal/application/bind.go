package application

import (
	"time"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/infrastructure/timerfd"
	"socks-proxy/internal/relay"
	"socks-proxy/internal/socks5err"
	"socks-proxy/internal/wire"
)

// bindAcceptTimeout bounds how long a BIND acceptor waits for its
// inbound peer before the second reply reports a timeout.
const bindAcceptTimeout = 180 * time.Second

// startBind creates the one-shot acceptor on the address the most
// recent successful CONNECT bound locally, sends the first reply
// describing it, and arms the accept deadline. Without a prior CONNECT
// in this process there is no address to listen on and the command is
// refused.
func (s *ProxyService) startBind(sess *domain.Session) {
	if lastConnectLocal == nil {
		s.refuse(sess, socks5err.ErrNoPriorConnect)
		return
	}

	lfd, err := network.ListenTCPOn(*lastConnectLocal, 0)
	if err != nil {
		s.refuse(sess, err)
		return
	}
	local, err := network.LocalEndpoint(lfd)
	if err != nil {
		unix.Close(lfd)
		s.refuse(sess, err)
		return
	}

	tfd, err := timerfd.Create(bindAcceptTimeout)
	if err != nil {
		unix.Close(lfd)
		s.refuse(sess, err)
		return
	}
	if err := s.loop.Register(lfd, domain.EventRead); err != nil {
		unix.Close(lfd)
		timerfd.Close(tfd)
		s.refuse(sess, err)
		return
	}
	if err := s.loop.Register(tfd, domain.EventRead); err != nil {
		s.loop.Unregister(lfd)
		unix.Close(lfd)
		timerfd.Close(tfd)
		s.refuse(sess, err)
		return
	}

	sess.Bind = &domain.BindState{ListenFD: lfd, TimerFD: tfd, LocalAddr: local}
	s.sessions[lfd] = sess
	s.sessions[tfd] = sess

	var scratch [32]byte
	reply := wire.EncodeReply(&scratch, domain.RepSuccess, local)
	if err := relay.WriteFull(sess.ClientFD, reply); err != nil {
		s.closeSession(sess, "bind first reply write failed")
		return
	}
	s.log.Info("BIND listening", "client_fd", sess.ClientFD,
		"ip", endpointIP(local), "port", local.Port)
}

// bindAccept fires when the one-shot acceptor reports an inbound
// connection (or a terminal accept error). Either way the acceptor and
// its deadline are retired; on success the second reply describes the
// peer and the relay begins.
func (s *ProxyService) bindAccept(sess *domain.Session) {
	nfd, peer, err := network.Accept4(sess.Bind.ListenFD)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}
	s.retireBind(sess)
	if err != nil {
		s.refuse(sess, err)
		return
	}

	var scratch [32]byte
	reply := wire.EncodeReply(&scratch, domain.RepSuccess, peer)
	if err := relay.WriteFull(sess.ClientFD, reply); err != nil {
		unix.Close(nfd)
		s.closeSession(sess, "bind second reply write failed")
		return
	}

	sess.RemoteFD = nfd
	s.log.Info("BIND accepted peer", "client_fd", sess.ClientFD, "peer_ip", endpointIP(peer))
	s.startRelay(sess)
}

// bindDeadline fires when the 180-second accept deadline elapses before
// any peer arrived: the acceptor is cancelled and the second reply
// carries the timeout code.
func (s *ProxyService) bindDeadline(sess *domain.Session) {
	timerfd.Drain(sess.Bind.TimerFD)
	s.retireBind(sess)
	s.refuse(sess, socks5err.ErrTimedOut)
}

func (s *ProxyService) retireBind(sess *domain.Session) {
	s.dropFD(sess.Bind.ListenFD)
	s.dropFD(sess.Bind.TimerFD)
	sess.Bind = nil
}
