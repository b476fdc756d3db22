package resolver

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/internal/socks5err"
)

// startFakeDNS serves A records for the given names on a loopback UDP
// socket. Unknown names get NXDOMAIN; known names queried for AAAA get
// an empty NOERROR answer, like a v4-only host.
func startFakeDNS(t *testing.T, records map[string][4]byte) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var req dns.Msg
			if req.Unpack(buf[:n]) != nil || len(req.Question) == 0 {
				continue
			}
			q := req.Question[0]
			resp := new(dns.Msg)
			resp.SetReply(&req)

			host := strings.TrimSuffix(q.Name, ".")
			ip, known := records[host]
			switch {
			case !known:
				resp.Rcode = dns.RcodeNameError
			case q.Qtype == dns.TypeA:
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.IP(ip[:]),
				})
			}

			out, err := resp.Pack()
			if err != nil {
				continue
			}
			pc.WriteTo(out, addr)
		}
	}()
	return pc.LocalAddr().String()
}

// resolve runs one query to completion: it issues the query before the
// loop starts (all resolver state is only safe on the loop goroutine)
// and collects the callback's result over a channel.
func resolve(t *testing.T, server, host string, hint domain.Family) ([]domain.Endpoint, error) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop, err := epoll.New(log)
	if err != nil {
		t.Fatalf("epoll: %v", err)
	}
	defer loop.Stop()

	r, err := New(log, loop, server)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	type result struct {
		eps []domain.Endpoint
		err error
	}
	done := make(chan result, 1)
	if err := r.Resolve(host, hint, func(eps []domain.Endpoint, err error) {
		done <- result{eps, err}
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	go loop.Run(handlerFunc(func(fd int, ev domain.EventType) error {
		switch {
		case fd == r.FD():
			r.HandleRead()
		case r.IsTimerFD(fd):
			r.HandleTimer(fd)
		}
		return nil
	}))

	select {
	case res := <-done:
		return res.eps, res.err
	case <-time.After(DefaultTimeout + 5*time.Second):
		t.Fatal("resolver never called back")
		return nil, nil
	}
}

type handlerFunc func(fd int, ev domain.EventType) error

func (f handlerFunc) HandleEvent(fd int, ev domain.EventType) error { return f(fd, ev) }

func TestResolveA(t *testing.T) {
	server := startFakeDNS(t, map[string][4]byte{"files.example.com": {192, 0, 2, 10}})

	eps, err := resolve(t, server, "files.example.com", domain.FamilyIPv4)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("got %d endpoints", len(eps))
	}
	if eps[0].Family != unix.AF_INET {
		t.Errorf("family = %d", eps[0].Family)
	}
	if got := [4]byte(eps[0].IP[:4]); got != [4]byte{192, 0, 2, 10} {
		t.Errorf("ip = %v", got)
	}
}

func TestResolveEitherIsV4OnlyTolerant(t *testing.T) {
	server := startFakeDNS(t, map[string][4]byte{"files.example.com": {192, 0, 2, 10}})

	// A host with no AAAA records still resolves: the empty v6 answer
	// completes the query with the A results alone.
	eps, err := resolve(t, server, "files.example.com", domain.FamilyEither)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(eps) != 1 || eps[0].Family != unix.AF_INET {
		t.Fatalf("eps = %+v", eps)
	}
}

func TestResolveNameError(t *testing.T) {
	server := startFakeDNS(t, nil)

	_, err := resolve(t, server, "nope.invalid", domain.FamilyIPv4)
	if err != socks5err.ErrHostUnreachable {
		t.Fatalf("err = %v, want ErrHostUnreachable", err)
	}
}

func TestResolveEmptyAnswer(t *testing.T) {
	// Known name, but only when asked for AAAA does it have nothing; an
	// IPv6-only hint against an A-only host yields an empty NOERROR.
	server := startFakeDNS(t, map[string][4]byte{"v4only.example.com": {0, 0, 0, 0}})

	_, err := resolve(t, server, "v4only.example.com", domain.FamilyIPv6)
	if err != socks5err.ErrEmptyResolveResult {
		t.Fatalf("err = %v, want ErrEmptyResolveResult", err)
	}
}
