package wire

import (
	"encoding/binary"

	"socks-proxy/internal/domain"
)

// DecodeRequest decodes the SOCKS5 request of RFC 1928 section 4:
//
//	VER, CMD, RSV, ATYP, DST.ADDR, DST.PORT
//
// It does not validate that CMD is one this server supports — that is a
// session state-machine decision, because an unsupported CMD still needs
// a REP-coded reply, which this pure codec function has no business
// emitting.
func DecodeRequest(buf []byte) (cmd byte, addr domain.Address, consumed int, err error) {
	if len(buf) < 4 {
		return 0, domain.Address{}, 0, ErrShortRead
	}
	if buf[0] != domain.SocksVersion5 {
		return 0, domain.Address{}, 0, malformed("bad request VER")
	}
	cmd = buf[1]
	atyp := buf[3]

	a, alen, err := decodeAddress(atyp, buf[4:])
	if err != nil {
		return 0, domain.Address{}, 0, err
	}
	total := 4 + alen + 2
	if len(buf) < total {
		return 0, domain.Address{}, 0, ErrShortRead
	}
	a.Port = binary.BigEndian.Uint16(buf[4+alen : total])
	return cmd, a, total, nil
}

// decodeAddress decodes the ATYP-tagged address portion only (not the
// trailing port), returning the number of bytes the address itself
// occupies (not including the 2-byte port that always follows).
func decodeAddress(atyp byte, buf []byte) (domain.Address, int, error) {
	switch atyp {
	case domain.AtypIPv4:
		if len(buf) < 4 {
			return domain.Address{}, 0, ErrShortRead
		}
		var a domain.Address
		a.Kind = domain.AddrIPv4
		copy(a.IPv4[:], buf[:4])
		return a, 4, nil
	case domain.AtypIPv6:
		if len(buf) < 16 {
			return domain.Address{}, 0, ErrShortRead
		}
		var a domain.Address
		a.Kind = domain.AddrIPv6
		copy(a.IPv6[:], buf[:16])
		return a, 16, nil
	case domain.AtypDomain:
		if len(buf) < 1 {
			return domain.Address{}, 0, ErrShortRead
		}
		n := int(buf[0])
		if n == 0 {
			return domain.Address{}, 0, malformed("domain length is zero")
		}
		if len(buf) < 1+n {
			return domain.Address{}, 0, ErrShortRead
		}
		var a domain.Address
		a.Kind = domain.AddrDomain
		a.Domain = string(buf[1 : 1+n])
		return a, 1 + n, nil
	default:
		return domain.Address{}, 0, &UnsupportedAtypError{Atyp: atyp}
	}
}

// UnsupportedAtypError is a terminal decode failure distinguished from a
// generic MalformedError because the session state machine must reply
// with REP=AddressTypeNotSupported rather than simply closing.
type UnsupportedAtypError struct{ Atyp byte }

func (e *UnsupportedAtypError) Error() string { return "wire: unsupported ATYP" }
