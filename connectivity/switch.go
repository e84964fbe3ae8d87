package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// Switch is a Provider whose reading is set by the host, for example from
// the platform's online/offline events forwarded over the local API.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewSwitch creates a Switch with the given initial reading.
func NewSwitch(online bool) *Switch {
	return &Switch{online: online, subs: make(map[int]chan bool)}
}

func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records a new reading and delivers it to subscribers. A slow
// subscriber only ever sees the latest pending reading.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
	for _, ch := range s.subs {
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

func (s *Switch) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Probe reports whether a TCP connection to addr can be opened within
// timeout. It is used once to seed the initial reading.
func Probe(ctx context.Context, addr string, timeout time.Duration) bool {
	if addr == "" {
		return false
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
