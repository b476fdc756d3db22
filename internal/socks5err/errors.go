// Package socks5err names the failure conditions a SOCKS5 command can
// hit and maps every error a handler sees to a reply code, so the
// REP-code table is implemented exactly once instead of ad hoc per call
// site.
package socks5err

import (
	"errors"

	"golang.org/x/sys/unix"
	"socks-proxy/internal/domain"
)

var (
	ErrVersion            = errors.New("socks5: version mismatch")
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable method")
	ErrAuthFailed         = errors.New("socks5: authentication failed")
	ErrUnknownCommand     = errors.New("socks5: unsupported command")
	ErrUnknownAddrType    = errors.New("socks5: unsupported address type")
	ErrNoPriorConnect     = errors.New("socks5: BIND without a prior CONNECT")
	ErrTimedOut           = errors.New("socks5: timed out")

	// ErrHostUnreachable is returned by the resolver when the name
	// server reports the name does not exist.
	ErrHostUnreachable = errors.New("socks5: host unreachable")

	// ErrEmptyResolveResult is returned by the resolver when it got an
	// answer with no usable records.
	ErrEmptyResolveResult = errors.New("socks5: resolve returned no endpoints")
)

// ReplyCode maps an arbitrary error observed while executing a command
// (a resolver failure, a connect() errno, an accept() errno, or one of
// the sentinels above) to its REP byte. Unrecognized errors fall
// through to RepGeneralFailure.
func ReplyCode(err error) byte {
	switch {
	case err == nil:
		return domain.RepSuccess
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrNoPriorConnect):
		return domain.RepCmdNotSupported
	case errors.Is(err, ErrUnknownAddrType):
		return domain.RepAtypNotSupported
	case errors.Is(err, ErrAuthFailed):
		return domain.RepConnNotAllowed
	case errors.Is(err, ErrTimedOut), errors.Is(err, unix.ETIMEDOUT):
		return domain.RepTTLExpired
	}

	switch {
	case errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.ENETRESET), errors.Is(err, unix.ENETDOWN),
		errors.Is(err, ErrEmptyResolveResult):
		return domain.RepNetworkUnreachable
	case errors.Is(err, ErrHostUnreachable):
		return domain.RepHostUnreachable
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.ECONNABORTED):
		return domain.RepConnRefused
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return domain.RepConnNotAllowed
	}
	return domain.RepGeneralFailure
}
