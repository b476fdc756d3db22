package wire

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
	"socks-proxy/internal/domain"
)

// ReplySizeIPv4 and ReplySizeIPv6 are the total byte lengths of the two
// reply layouts this server emits; the 32-byte scratch buffer is large
// enough for either. A domain-name reply is never emitted — replies
// always carry a resolved IP.
const (
	ReplySizeIPv4 = 10
	ReplySizeIPv6 = 22
)

// EncodeReply writes a SOCKS5 reply (RFC 1928 section 6) into buf and
// returns the slice actually used. RSV is always zeroed on output.
// BND.ADDR/BND.PORT are taken from ep; ep.Family picks the reply's ATYP,
// which may differ from the request's ATYP when a domain name resolved
// to a different family than the request literally carried.
func EncodeReply(buf *[32]byte, rep byte, ep domain.Endpoint) []byte {
	buf[0] = domain.SocksVersion5
	buf[1] = rep
	buf[2] = 0x00 // RSV

	if ep.Family == unix.AF_INET6 {
		buf[3] = domain.AtypIPv6
		copy(buf[4:20], ep.IP[:16])
		binary.BigEndian.PutUint16(buf[20:22], ep.Port)
		return buf[:ReplySizeIPv6]
	}
	buf[3] = domain.AtypIPv4
	copy(buf[4:8], ep.IP[:4])
	binary.BigEndian.PutUint16(buf[8:10], ep.Port)
	return buf[:ReplySizeIPv4]
}

// EncodeFailureReply encodes a reply carrying a failure REP code with a
// zeroed IPv4 BND.ADDR/BND.PORT, used whenever a command fails before
// any endpoint exists to report (resolver failure, connect failure,
// unsupported CMD or ATYP).
func EncodeFailureReply(buf *[32]byte, rep byte) []byte {
	return EncodeReply(buf, rep, domain.Endpoint{Family: unix.AF_INET})
}
