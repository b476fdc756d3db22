// Package epoll is the single-threaded cooperative scheduler every
// suspension point in this design runs on: one epoll instance, one
// goroutine, edge-triggered readiness for every socket and timerfd alike.
package epoll

import (
	"log/slog"

	"golang.org/x/sys/unix"
	"socks-proxy/internal/domain"
)

type LinuxEventLoop struct {
	epollFD int
	log     *slog.Logger
	stopped bool
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd, log: log}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET, // Edge-triggered
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for {
		// Closing the epoll fd does not wake a wait already in progress,
		// so each wait is bounded and Stop is checked before anything the
		// wait returned is acted on: a stopped loop must neither dispatch
		// nor wait again on an fd number the kernel may have reused.
		n, err := unix.EpollWait(l.epollFD, events, 100)
		if l.stopped {
			return nil
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			evMask := events[i].Events

			var domainEv domain.EventType
			if evMask&unix.EPOLLIN != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&unix.EPOLLOUT != 0 {
				domainEv |= domain.EventWrite
			}
			if evMask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				// Surface socket errors as readiness on both halves so
				// the owner's next read/write observes the errno and
				// tears the fd down; otherwise an edge-triggered error
				// would never be delivered again.
				domainEv |= domain.EventRead | domain.EventWrite
			}

			if err := handler.HandleEvent(fd, domainEv); err != nil {
				l.log.Error("error handling fd", "fd", fd, "error", err)
			}
		}
	}
}

// Stop closes the epoll fd and makes Run return within one bounded wait
// (100 ms). In-flight sessions are abandoned; there is no graceful drain.
func (l *LinuxEventLoop) Stop() {
	l.stopped = true
	unix.Close(l.epollFD)
}
