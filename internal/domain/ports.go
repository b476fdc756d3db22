package domain

// EventType is a bitmask of the epoll readiness conditions this design
// cares about. Timerfds and ordinary sockets are both plain fds from the
// event loop's point of view; a timer firing looks like EventRead.
type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

// EventHandler is dispatched once per ready fd by the event loop.
type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

// EventLoop is the single-threaded cooperative scheduler everything
// runs on: every wait (read, write, accept, connect, resolve, timer) is
// realized as "register interest in an fd, return control, get called
// back later" rather than blocking a goroutine.
type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Family is the address-family hint CONNECT and UDP ASSOCIATE pass to
// the resolver to pick A and/or AAAA queries.
type Family int

const (
	FamilyEither Family = iota
	FamilyIPv4
	FamilyIPv6
)
