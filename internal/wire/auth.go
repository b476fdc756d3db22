package wire

import "socks-proxy/internal/domain"

// DecodeAuthRequest decodes the RFC 1929 username/password sub-negotiation
// request:
//
//	VER=0x01, ULEN, UNAME[ULEN], PLEN, PASSWD[PLEN]
//
// A ULEN or PLEN of zero is malformed, not merely an empty credential.
func DecodeAuthRequest(buf []byte) (uname, passwd []byte, consumed int, err error) {
	if len(buf) < 2 {
		return nil, nil, 0, ErrShortRead
	}
	if buf[0] != domain.AuthVersion1 {
		return nil, nil, 0, malformed("bad auth VER")
	}
	ulen := int(buf[1])
	if ulen == 0 {
		return nil, nil, 0, malformed("ULEN is zero")
	}
	if len(buf) < 2+ulen+1 {
		return nil, nil, 0, ErrShortRead
	}
	plen := int(buf[2+ulen])
	if plen == 0 {
		return nil, nil, 0, malformed("PLEN is zero")
	}
	total := 2 + ulen + 1 + plen
	if len(buf) < total {
		return nil, nil, 0, ErrShortRead
	}
	u := make([]byte, ulen)
	copy(u, buf[2:2+ulen])
	p := make([]byte, plen)
	copy(p, buf[2+ulen+1:total])
	return u, p, total, nil
}

// EncodeAuthReply encodes the RFC 1929 sub-negotiation reply: VER, STATUS.
func EncodeAuthReply(status byte) [2]byte {
	return [2]byte{domain.AuthVersion1, status}
}

const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)
