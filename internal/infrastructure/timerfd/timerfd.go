// Package timerfd wraps Linux timerfds as plain fds, so BIND's accept
// deadline and the resolver's query timeout register in the very same
// epoll instance as every socket, instead of needing a separate
// time.Timer/goroutine side channel. Deadlines stay on the
// single-goroutine event loop like everything else.
package timerfd

import (
	"time"

	"golang.org/x/sys/unix"
)

// Create allocates a non-blocking, one-shot timerfd armed to fire once
// after d elapses.
func Create(d time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK)
	if err != nil {
		return -1, err
	}
	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, spec, nil); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Drain consumes the 8-byte expiration counter a fired timerfd delivers,
// as unix.Read requires before the fd can be closed or re-armed cleanly.
func Drain(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

// Close tears the timer down; cancelling a BIND deadline once its
// acceptor has already fired is the normal case, not an error.
func Close(fd int) {
	unix.Close(fd)
}
