package socks5err

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

func TestReplyCode(t *testing.T) {
	tests := []struct {
		err  error
		want byte
	}{
		{nil, domain.RepSuccess},
		{ErrUnknownCommand, domain.RepCmdNotSupported},
		{ErrNoPriorConnect, domain.RepCmdNotSupported},
		{ErrUnknownAddrType, domain.RepAtypNotSupported},
		{ErrAuthFailed, domain.RepConnNotAllowed},
		{ErrTimedOut, domain.RepTTLExpired},
		{ErrHostUnreachable, domain.RepHostUnreachable},
		{ErrEmptyResolveResult, domain.RepNetworkUnreachable},
		{unix.ETIMEDOUT, domain.RepTTLExpired},
		{unix.ENETUNREACH, domain.RepNetworkUnreachable},
		{unix.ENETDOWN, domain.RepNetworkUnreachable},
		{unix.ECONNREFUSED, domain.RepConnRefused},
		{unix.ECONNRESET, domain.RepConnRefused},
		{unix.ECONNABORTED, domain.RepConnRefused},
		{unix.EACCES, domain.RepConnNotAllowed},
		{unix.EINVAL, domain.RepGeneralFailure},
		{errors.New("anything else"), domain.RepGeneralFailure},
		// Wrapped errnos must still map through errors.Is.
		{fmt.Errorf("dial: %w", unix.ECONNREFUSED), domain.RepConnRefused},
	}
	for _, tt := range tests {
		if got := ReplyCode(tt.err); got != tt.want {
			t.Errorf("ReplyCode(%v) = %#x, want %#x", tt.err, got, tt.want)
		}
	}
}
