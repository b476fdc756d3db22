package relay

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/epoll"
)

type relayHandler struct {
	relay *TcpRelay
	done  chan struct{}
}

func (h *relayHandler) HandleEvent(fd int, event domain.EventType) error {
	if h.relay.Owns(fd) && h.relay.Pump(fd, event) {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
	return nil
}

// streamPair returns a connected stream socket pair: a blocking *os.File
// for the test side and a non-blocking raw fd for the relay side.
func streamPair(t *testing.T) (*os.File, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	// The test end must be non-blocking too, so os.NewFile hands it to
	// the runtime poller and read deadlines work.
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	f := os.NewFile(uintptr(fds[0]), "test-end")
	t.Cleanup(func() { f.Close() })
	return f, fds[1]
}

func TestRelayShuttlesBothDirections(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop, err := epoll.New(log)
	if err != nil {
		t.Fatalf("epoll: %v", err)
	}
	defer loop.Stop()

	aEnd, aFD := streamPair(t)
	bEnd, bFD := streamPair(t)

	r, err := New(log, loop, aFD, bFD)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	h := &relayHandler{relay: r, done: make(chan struct{})}
	go loop.Run(h)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	// a -> b, with the reverse direction active at the same time.
	go func() {
		aEnd.Write(payload)
	}()
	go func() {
		bEnd.Write([]byte("pong"))
	}()

	got := make([]byte, len(payload))
	bEnd.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(bEnd, got); err != nil {
		t.Fatalf("read relayed payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("relayed payload differs from what was sent")
	}

	back := make([]byte, 4)
	aEnd.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(aEnd, back); err != nil {
		t.Fatalf("read reverse direction: %v", err)
	}
	if string(back) != "pong" {
		t.Fatalf("reverse payload = %q", back)
	}
}

func TestRelayTearsDownBothSidesOnClose(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop, err := epoll.New(log)
	if err != nil {
		t.Fatalf("epoll: %v", err)
	}
	defer loop.Stop()

	aEnd, aFD := streamPair(t)
	bEnd, bFD := streamPair(t)

	r, err := New(log, loop, aFD, bFD)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	h := &relayHandler{relay: r, done: make(chan struct{})}
	go loop.Run(h)

	aEnd.Write([]byte("last words"))
	aEnd.Close()

	buf := make([]byte, 10)
	bEnd.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(bEnd, buf); err != nil {
		t.Fatalf("read final bytes: %v", err)
	}

	// Once a's EOF is observed the relay closes both fds, so b's end
	// must see EOF too.
	bEnd.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := bEnd.Read(buf); err != io.EOF {
		t.Fatalf("read after teardown = %v, want EOF", err)
	}

	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		t.Fatal("relay never reported done")
	}
}
