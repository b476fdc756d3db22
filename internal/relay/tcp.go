// Package relay implements the bidirectional TCP splice: two independent
// directional pumps sharing a pair of fds, with symmetric teardown on
// either side's close or error. A slow peer does not lose data: bytes
// the destination will not take yet are held in a per-direction backlog
// and flushed once EPOLLOUT reports it writable again.
package relay

import (
	"log/slog"

	"golang.org/x/sys/unix"
	"socks-proxy/internal/domain"
)

// bufSize is the fixed per-direction read buffer.
const bufSize = 8192

type direction struct {
	src, dst int
	pending  []byte
}

// TcpRelay owns two connected fds (A, B) once the session has handed
// them off. Closing is idempotent: whichever pump notices an error
// first closes both fds; the companion pump's next syscall then fails
// too and it exits on its own.
type TcpRelay struct {
	log     *slog.Logger
	loop    domain.EventLoop
	a, b    int
	ab, ba  *direction // a->b and b->a
	regA    domain.EventType
	regB    domain.EventType
	closed  bool
}

// New registers both fds for EventRead on loop and returns the relay
// that will drive them. The caller must have released its own
// registrations for a and b first.
func New(log *slog.Logger, loop domain.EventLoop, a, b int) (*TcpRelay, error) {
	r := &TcpRelay{
		log:  log,
		loop: loop,
		a:    a,
		b:    b,
		ab:   &direction{src: a, dst: b},
		ba:   &direction{src: b, dst: a},
		regA: domain.EventRead,
		regB: domain.EventRead,
	}
	if err := loop.Register(a, domain.EventRead); err != nil {
		return nil, err
	}
	if err := loop.Register(b, domain.EventRead); err != nil {
		loop.Unregister(a)
		return nil, err
	}
	return r, nil
}

// Owns reports whether fd is one of the two fds this relay drives.
func (r *TcpRelay) Owns(fd int) bool { return fd == r.a || fd == r.b }

// Pair returns both fds the relay was built over, so the caller can
// drop its own bookkeeping for them once the relay reports done.
func (r *TcpRelay) Pair() (int, int) { return r.a, r.b }

// Pump handles one readiness notification on either a or b. Returns
// true once the relay has torn both fds down, so the caller can drop
// its session bookkeeping.
func (r *TcpRelay) Pump(fd int, event domain.EventType) (done bool) {
	if r.closed {
		return true
	}

	if fd == r.a {
		if event&domain.EventRead != 0 && r.drainAndForward(r.ab) {
			return true
		}
		if event&domain.EventWrite != 0 && r.flush(r.ba) {
			return true
		}
	} else if fd == r.b {
		if event&domain.EventRead != 0 && r.drainAndForward(r.ba) {
			return true
		}
		if event&domain.EventWrite != 0 && r.flush(r.ab) {
			return true
		}
	}
	return false
}

// drainAndForward reads everything currently available on d.src,
// appends it to whatever backlog is already waiting for d.dst, and
// attempts to flush. Returns true if the relay closed as a result.
func (r *TcpRelay) drainAndForward(d *direction) bool {
	buf := make([]byte, bufSize)
	for {
		n, err := unix.Read(d.src, buf)
		if n > 0 {
			d.pending = append(d.pending, buf[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			r.close()
			return true
		}
		if n == 0 {
			// Hand on what this drain already read before tearing down,
			// so the bytes that preceded EOF are not dropped.
			r.flush(d)
			r.close()
			return true
		}
	}
	return r.flush(d)
}

// flush writes as much of d.pending to d.dst as the socket will accept
// right now. If the destination blocks before the backlog drains, it
// registers for EventWrite so Pump is called again once writable;
// otherwise it drops that interest. Returns true if the relay closed.
func (r *TcpRelay) flush(d *direction) bool {
	for len(d.pending) > 0 {
		n, err := unix.Write(d.dst, d.pending)
		if n > 0 {
			d.pending = d.pending[n:]
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				r.wantWrite(d.dst, true)
				return false
			}
			r.close()
			return true
		}
	}
	r.wantWrite(d.dst, false)
	return false
}

// wantWrite adds or removes EventWrite from whichever fd's registration
// without disturbing its EventRead interest (a single fd is the
// destination of one direction and the source of the other, so both
// interests can be live at once).
func (r *TcpRelay) wantWrite(fd int, want bool) {
	cur := &r.regA
	if fd == r.b {
		cur = &r.regB
	}

	next := *cur &^ domain.EventWrite
	if want {
		next |= domain.EventWrite
	}
	if next == *cur {
		return
	}
	*cur = next
	r.loop.Modify(fd, next)
}

func (r *TcpRelay) close() {
	if r.closed {
		return
	}
	r.closed = true
	r.loop.Unregister(r.a)
	r.loop.Unregister(r.b)
	unix.Close(r.a)
	unix.Close(r.b)
}

// Close tears the relay down from the outside, e.g. when the owning
// session is cancelled before any data ever flowed.
func (r *TcpRelay) Close() { r.close() }

// WriteFull loops until buf is fully written to fd. Handshake and
// command replies are at most 22 bytes, so a single unix.Write nearly
// always drains them, but a partial write must not truncate a reply.
func WriteFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}
