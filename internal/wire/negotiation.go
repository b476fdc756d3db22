package wire

import "socks-proxy/internal/domain"

// DecodeMethodRequest decodes the client's method-negotiation message:
//
//	VER=0x05, NMETHODS, METHODS[NMETHODS]
//
// Returns the offered methods, the number of bytes consumed, and either
// ErrShortRead (buf does not yet hold NMETHODS bytes of METHODS — NMETHODS
// itself requires at least 2 bytes to be known) or a MalformedError (VER
// mismatch or NMETHODS == 0).
func DecodeMethodRequest(buf []byte) (methods []byte, consumed int, err error) {
	if len(buf) < 2 {
		return nil, 0, ErrShortRead
	}
	if buf[0] != domain.SocksVersion5 {
		return nil, 0, malformed("bad negotiation VER")
	}
	n := int(buf[1])
	if n == 0 {
		return nil, 0, malformed("NMETHODS is zero")
	}
	if len(buf) < 2+n {
		return nil, 0, ErrShortRead
	}
	out := make([]byte, n)
	copy(out, buf[2:2+n])
	return out, 2 + n, nil
}

// EncodeMethodReply encodes the server's method-selection reply.
func EncodeMethodReply(method byte) [2]byte {
	return [2]byte{domain.SocksVersion5, method}
}

// SelectMethod iterates the client's offered methods in order and picks
// the first one the server can honor given whether credentials are
// configured. No-auth and username/password are mutually exclusive:
// configuring credentials withdraws the no-auth offer entirely.
func SelectMethod(offered []byte, haveCredentials bool) byte {
	for _, m := range offered {
		if m == domain.MethodNoAuth && !haveCredentials {
			return m
		}
		if m == domain.MethodUserPass && haveCredentials {
			return m
		}
	}
	return domain.MethodNoAcceptable
}
