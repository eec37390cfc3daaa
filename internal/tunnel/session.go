package tunnel

import (
	"net"
	"sync"
	"time"
)

type State int

const (
	StateEstablished State = iota
	StateCopying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "ESTABLISHED"
	case StateCopying:
		return "COPYING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// session is one inbound connection paired with its outbound connection.
type session struct {
	id       uint64
	inbound  net.Conn
	outbound net.Conn
	started  time.Time

	mutex sync.Mutex
	state State
}

func newSession(id uint64, inbound, outbound net.Conn) *session {
	return &session{
		id:       id,
		inbound:  inbound,
		outbound: outbound,
		started:  time.Now(),
		state:    StateEstablished,
	}
}

func (s *session) setState(state State) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()
}

func (s *session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// abort closes both sides, unblocking any copy in progress.
func (s *session) abort() {
	s.inbound.Close()
	s.outbound.Close()
}
