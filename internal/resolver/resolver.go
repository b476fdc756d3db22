// Package resolver turns domain names into ordered endpoint lists by
// speaking DNS directly over a UDP socket, using github.com/miekg/dns
// for the wire format.
//
// Queries go out on one shared non-blocking socket registered in the
// same epoll instance as every other fd; no goroutine ever blocks
// waiting for an answer. A and/or AAAA queries are issued per the
// family hint, outstanding queries are tracked by DNS message ID, and
// each is retired either by its answers or by a timerfd deadline.
package resolver

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/infrastructure/timerfd"
	"socks-proxy/internal/socks5err"
)

// DefaultTimeout bounds how long an outstanding query waits for an
// answer before failing with socks5err.ErrTimedOut.
const DefaultTimeout = 5 * time.Second

// Callback receives the resolved endpoints, in the order the name
// server returned them (A before AAAA when both were queried), or an
// error already classified into one of socks5err's sentinels.
type Callback func(endpoints []domain.Endpoint, err error)

type query struct {
	host     string
	cb       Callback
	timerFD  int
	wantA    bool
	wantAAAA bool
	gotA     []domain.Endpoint
	gotAAAA  []domain.Endpoint
	haveA    bool
	haveAAAA bool
}

// Resolver owns the shared outbound UDP socket and the table of
// outstanding queries, keyed by DNS message ID.
type Resolver struct {
	log         *slog.Logger
	loop        domain.EventLoop
	fd          int
	serverIP    [4]byte
	serverPort  int
	outstanding map[uint16]*query
	timerToID   map[int]uint16
	nextID      uint16
}

// New creates the shared resolver UDP socket and registers it with the
// event loop for EventRead.
func New(log *slog.Logger, loop domain.EventLoop, server string) (*Resolver, error) {
	fd, err := network.BindUDP(unix.AF_INET, 0)
	if err != nil {
		return nil, err
	}
	ip, port, err := parseServerAddr(server)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := loop.Register(fd, domain.EventRead); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Resolver{
		log:         log,
		loop:        loop,
		fd:          fd,
		serverIP:    ip,
		serverPort:  port,
		outstanding: make(map[uint16]*query),
		timerToID:   make(map[int]uint16),
	}, nil
}

// FD is the resolver's shared outbound UDP socket, for HandleEvent
// dispatch by the fd it fires on.
func (r *Resolver) FD() int { return r.fd }

// IsTimerFD reports whether fd is one of this resolver's outstanding
// per-query deadline timers, so the session state machine's HandleEvent
// switch can route it here.
func (r *Resolver) IsTimerFD(fd int) bool {
	_, ok := r.timerToID[fd]
	return ok
}

// Resolve issues A and/or AAAA queries for host per hint and invokes cb
// exactly once with the resolved endpoints or a classified error:
// normally from a later HandleEvent call, but before Resolve returns if
// a query cannot be sent. The target port is a TCP/UDP-layer
// concept the DNS protocol never sees; callers attach it to whichever
// Endpoint they end up dialing.
func (r *Resolver) Resolve(host string, hint domain.Family, cb Callback) error {
	id := r.allocID()
	q := &query{
		host:     host,
		cb:       cb,
		wantA:    hint == domain.FamilyEither || hint == domain.FamilyIPv4,
		wantAAAA: hint == domain.FamilyEither || hint == domain.FamilyIPv6,
	}

	tfd, err := timerfd.Create(DefaultTimeout)
	if err != nil {
		return err
	}
	if err := r.loop.Register(tfd, domain.EventRead); err != nil {
		timerfd.Close(tfd)
		return err
	}
	q.timerFD = tfd
	r.outstanding[id] = q
	r.timerToID[tfd] = id

	if q.wantA {
		if err := r.send(id, host, dns.TypeA); err != nil {
			r.fail(id, err)
			return nil
		}
	}
	if q.wantAAAA {
		if err := r.send(id, host, dns.TypeAAAA); err != nil {
			r.fail(id, err)
			return nil
		}
	}
	return nil
}

func (r *Resolver) send(id uint16, host string, qtype uint16) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true
	m.Id = id

	packed, err := m.Pack()
	if err != nil {
		return err
	}
	dest := &unix.SockaddrInet4{Port: r.serverPort, Addr: r.serverIP}
	return unix.Sendto(r.fd, packed, 0, dest)
}

// HandleRead processes one readiness notification on the resolver's
// shared UDP socket: drain and parse every pending datagram, matching
// answers to outstanding queries by message ID.
func (r *Resolver) HandleRead() {
	buf := make([]byte, 512)
	for {
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			r.log.Warn("resolver: failed to unpack DNS response")
			continue
		}
		r.handleAnswer(msg)
	}
}

func (r *Resolver) handleAnswer(msg *dns.Msg) {
	q, ok := r.outstanding[msg.Id]
	if !ok {
		return
	}

	var v4, v6 []domain.Endpoint
	for _, ans := range msg.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			var ep domain.Endpoint
			ep.Family = unix.AF_INET
			copy(ep.IP[:4], rr.A.To4())
			v4 = append(v4, ep)
		case *dns.AAAA:
			var ep domain.Endpoint
			ep.Family = unix.AF_INET6
			copy(ep.IP[:16], rr.AAAA.To16())
			v6 = append(v6, ep)
		}
	}

	switch dnsQtype(msg) {
	case dns.TypeAAAA:
		q.gotAAAA = v6
		q.haveAAAA = true
	default:
		q.gotA = v4
		q.haveA = true
	}

	if msg.Rcode == dns.RcodeNameError {
		r.finish(msg.Id, nil, socks5err.ErrHostUnreachable)
		return
	}
	if msg.Rcode != dns.RcodeSuccess {
		// Any other failing RCODE (SERVFAIL, REFUSED, ...) is not an empty
		// answer; it maps to a general failure.
		r.finish(msg.Id, nil, fmt.Errorf("resolver: %s for %s", dns.RcodeToString[msg.Rcode], q.host))
		return
	}

	if (q.wantA == q.haveA || !q.wantA) && (q.wantAAAA == q.haveAAAA || !q.wantAAAA) {
		endpoints := append(q.gotA, q.gotAAAA...)
		if len(endpoints) == 0 {
			r.finish(msg.Id, nil, socks5err.ErrEmptyResolveResult)
			return
		}
		r.finish(msg.Id, endpoints, nil)
	}
}

// HandleTimer fires when a query's deadline timerfd becomes readable
// before every expected answer arrived.
func (r *Resolver) HandleTimer(fd int) {
	timerfd.Drain(fd)
	id, ok := r.timerToID[fd]
	if !ok {
		return
	}
	r.fail(id, socks5err.ErrTimedOut)
}

func (r *Resolver) fail(id uint16, err error) {
	r.finish(id, nil, err)
}

func (r *Resolver) finish(id uint16, endpoints []domain.Endpoint, err error) {
	q, ok := r.outstanding[id]
	if !ok {
		return
	}
	delete(r.outstanding, id)
	delete(r.timerToID, q.timerFD)
	r.loop.Unregister(q.timerFD)
	timerfd.Close(q.timerFD)
	q.cb(endpoints, err)
}

func (r *Resolver) allocID() uint16 {
	for {
		r.nextID++
		if _, taken := r.outstanding[r.nextID]; !taken {
			return r.nextID
		}
	}
}

func dnsQtype(msg *dns.Msg) uint16 {
	if len(msg.Question) == 0 {
		return dns.TypeA
	}
	return msg.Question[0].Qtype
}

// parseServerAddr parses the -dns flag value ("host:port", defaulting
// the port to 53 if omitted) into the raw fields unix.SockaddrInet4
// wants.
func parseServerAddr(server string) ([4]byte, int, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		host, portStr = server, "53"
	}
	ip4 := net.ParseIP(host).To4()
	if ip4 == nil {
		return [4]byte{}, 0, &portError{server}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return [4]byte{}, 0, err
	}
	var out [4]byte
	copy(out[:], ip4)
	return out, port, nil
}

type portError struct{ s string }

func (e *portError) Error() string { return "resolver: invalid DNS server address " + e.s }
