package wire

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
	"socks-proxy/internal/domain"
)

// ErrFragmented is returned by DecodeUDPFrame for FRAG != 0 datagrams.
// Fragment reassembly is not supported; the caller drops the datagram
// silently rather than tearing anything down, since fragmentation is a
// per-datagram concern, not a session error.
var ErrFragmented = errors.New("wire: fragmented UDP datagram")

// minUDPHeader is the fixed prefix RSV(2) FRAG(1) ATYP(1) that must be
// present before FRAG and ATYP can be read; the DST.ADDR and DST.PORT
// lengths are checked once ATYP is known.
const minUDPHeader = 4

// DecodeUDPFrame decodes one SOCKS5 UDP datagram header (RFC 1928
// section 7) from a complete datagram (UDP preserves message boundaries,
// so unlike the stream codecs there is no short-read case — a truncated
// frame is simply malformed and dropped). Returns the destination
// address and the payload slice (aliasing buf).
func DecodeUDPFrame(buf []byte) (addr domain.Address, payload []byte, err error) {
	if len(buf) < minUDPHeader {
		return domain.Address{}, nil, malformed("UDP frame shorter than minimum header")
	}
	frag := buf[2]
	atyp := buf[3]
	if frag != 0 {
		return domain.Address{}, nil, ErrFragmented
	}

	a, alen, err := decodeAddress(atyp, buf[4:])
	if err != nil {
		if err == ErrShortRead {
			// A datagram that claims an ATYP/domain length it doesn't
			// actually carry is malformed, not "come back later" — UDP
			// has no "later" for a single datagram.
			return domain.Address{}, nil, malformed("UDP frame truncated within address")
		}
		return domain.Address{}, nil, err
	}
	total := 4 + alen + 2
	if len(buf) < total {
		return domain.Address{}, nil, malformed("UDP frame truncated before port")
	}
	a.Port = binary.BigEndian.Uint16(buf[4+alen : total])
	return a, buf[total:], nil
}

// EncodeUDPFrame builds a SOCKS5 UDP datagram (RSV=0, FRAG=0) addressed
// to ep, followed by payload, into a single buffer ready to send. The
// header ATYP always matches ep.Family: an IPv6 sender yields ATYP=0x04
// with a 16-byte address, never an IPv4-labeled frame sized for IPv6.
func EncodeUDPFrame(ep domain.Endpoint, payload []byte) []byte {
	if ep.Family == unix.AF_INET6 {
		header := make([]byte, 4+16+2, 4+16+2+len(payload))
		header[3] = domain.AtypIPv6
		copy(header[4:20], ep.IP[:16])
		binary.BigEndian.PutUint16(header[20:22], ep.Port)
		return append(header, payload...)
	}
	header := make([]byte, 4+4+2, 4+4+2+len(payload))
	header[3] = domain.AtypIPv4
	copy(header[4:8], ep.IP[:4])
	binary.BigEndian.PutUint16(header[8:10], ep.Port)
	return append(header, payload...)
}
