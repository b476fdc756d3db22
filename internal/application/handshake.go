package application

import (
	"bytes"
	"errors"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/relay"
	"socks-proxy/internal/socks5err"
	"socks-proxy/internal/wire"
)

// advanceHandshake pulls whatever the client socket currently holds into
// the session's input buffer and runs the protocol phases over it. One
// readiness notification may carry several pipelined messages (method
// list and request back to back), so decoding loops until the buffer
// runs short or a command handler takes over.
func (s *ProxyService) advanceHandshake(sess *domain.Session) {
	if !s.fillInbuf(sess) {
		return
	}
	for {
		var advanced bool
		switch sess.Phase {
		case domain.PhaseNegotiating:
			advanced = s.negotiate(sess)
		case domain.PhaseAuthenticating:
			advanced = s.authenticate(sess)
		case domain.PhaseAwaitingRequest:
			advanced = s.handleRequest(sess)
		default:
			return
		}
		if !advanced {
			return
		}
	}
}

// fillInbuf drains the non-blocking client socket into sess.Inbuf.
// Returns false when the session died while reading.
func (s *ProxyService) fillInbuf(sess *domain.Session) bool {
	buf := make([]byte, 512)
	for {
		n, err := unix.Read(sess.ClientFD, buf)
		if n > 0 {
			sess.Inbuf = append(sess.Inbuf, buf[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true
			}
			s.closeSession(sess, "handshake read failed")
			return false
		}
		if n == 0 {
			s.closeSession(sess, "client closed during handshake")
			return false
		}
	}
}

func (s *ProxyService) negotiate(sess *domain.Session) bool {
	methods, consumed, err := wire.DecodeMethodRequest(sess.Inbuf)
	if err == wire.ErrShortRead {
		return false
	}
	if err != nil {
		s.closeSession(sess, "malformed method list")
		return false
	}
	sess.Inbuf = sess.Inbuf[consumed:]

	method := wire.SelectMethod(methods, s.creds != nil)
	reply := wire.EncodeMethodReply(method)
	if err := relay.WriteFull(sess.ClientFD, reply[:]); err != nil {
		s.closeSession(sess, "method reply write failed")
		return false
	}

	switch method {
	case domain.MethodNoAuth:
		sess.Phase = domain.PhaseAwaitingRequest
	case domain.MethodUserPass:
		sess.Phase = domain.PhaseAuthenticating
	default:
		s.closeSession(sess, "no acceptable method")
		return false
	}
	s.log.Debug("Method negotiated", "client_fd", sess.ClientFD, "method", method)
	return true
}

func (s *ProxyService) authenticate(sess *domain.Session) bool {
	uname, passwd, consumed, err := wire.DecodeAuthRequest(sess.Inbuf)
	if err == wire.ErrShortRead {
		return false
	}
	if err != nil {
		s.closeSession(sess, "malformed auth request")
		return false
	}
	sess.Inbuf = sess.Inbuf[consumed:]

	ok := bytes.Equal(uname, s.creds.Username) && bytes.Equal(passwd, s.creds.Password)
	status := byte(wire.AuthStatusSuccess)
	if !ok {
		status = wire.AuthStatusFailure
	}
	reply := wire.EncodeAuthReply(status)
	if err := relay.WriteFull(sess.ClientFD, reply[:]); err != nil {
		s.closeSession(sess, "auth reply write failed")
		return false
	}
	if !ok {
		s.closeSession(sess, "auth failed")
		return false
	}

	sess.Phase = domain.PhaseAwaitingRequest
	s.log.Debug("Auth successful", "client_fd", sess.ClientFD)
	return true
}

func (s *ProxyService) handleRequest(sess *domain.Session) bool {
	cmd, addr, consumed, err := wire.DecodeRequest(sess.Inbuf)
	if err == wire.ErrShortRead {
		return false
	}
	var atypErr *wire.UnsupportedAtypError
	if errors.As(err, &atypErr) {
		s.refuse(sess, socks5err.ErrUnknownAddrType)
		return false
	}
	if err != nil {
		s.closeSession(sess, "malformed request")
		return false
	}
	sess.Inbuf = sess.Inbuf[consumed:]
	sess.Cmd = cmd
	sess.TargetAddr = addr
	sess.Phase = domain.PhaseDispatching
	s.log.Debug("Dispatching command", "client_fd", sess.ClientFD, "cmd", sess.Cmd)

	switch cmd {
	case domain.CmdConnect:
		s.startConnect(sess)
	case domain.CmdBind:
		s.startBind(sess)
	case domain.CmdUDPAssociate:
		s.startUDPAssociate(sess)
	default:
		s.log.Warn("Unsupported command", "cmd", cmd, "client_fd", sess.ClientFD)
		s.refuse(sess, socks5err.ErrUnknownCommand)
	}
	return false
}

// refuse emits a REP-coded failure reply for cause and closes the
// session. The reply write is best-effort; the session closes either way.
func (s *ProxyService) refuse(sess *domain.Session, cause error) {
	var scratch [32]byte
	reply := wire.EncodeFailureReply(&scratch, socks5err.ReplyCode(cause))
	relay.WriteFull(sess.ClientFD, reply)
	s.closeSession(sess, cause.Error())
}
