package connectivity

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// State is the connectivity state of the device.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Provider is the platform's connectivity signal source.
type Provider interface {
	// Online reports the current reading.
	Online() bool
	// Subscribe delivers subsequent readings until cancel is called.
	Subscribe() (readings <-chan bool, cancel func())
}

// Notifier receives user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

// Transition is an entry into a state. Initial marks the startup reading.
type Transition struct {
	From    State
	To      State
	Initial bool
}

// Intent is the notification a transition should raise.
type Intent struct {
	Title string
	Body  string
}

// Decide returns the transition caused by a new reading, if any. known is
// false until the first reading has been applied.
func Decide(current State, known bool, online bool) (Transition, bool) {
	next := Offline
	if online {
		next = Online
	}
	if known && next == current {
		return Transition{}, false
	}
	return Transition{From: current, To: next, Initial: !known}, true
}

// IntentFor maps a transition to its notification.
func IntentFor(tr Transition) Intent {
	if tr.To == Online {
		return Intent{Title: "You are online", Body: "Connection restored."}
	}
	return Intent{Title: "You are offline", Body: "Tasks will sync when the connection is restored."}
}

// Handler is invoked for every transition, after the notification was sent.
type Handler func(ctx context.Context, tr Transition)

// Monitor tracks connectivity from a Provider. It reads the provider once at
// start and afterwards only reacts to subscribed readings.
type Monitor struct {
	provider Provider
	notifier Notifier
	logger   *log.Logger

	mu       sync.RWMutex
	state    State
	known    bool
	handlers []Handler
}

// NewMonitor creates a Monitor. notifier may be nil.
func NewMonitor(p Provider, n Notifier, logger *log.Logger) *Monitor {
	if p == nil {
		panic("connectivity.NewMonitor: provider is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Monitor{provider: p, notifier: n, logger: logger}
}

// OnTransition registers h. Handlers run in registration order on the
// monitor's goroutine.
func (m *Monitor) OnTransition(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Online reports the last applied state, or the provider's reading before
// the monitor has started.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	state, known := m.state, m.known
	m.mu.RUnlock()
	if !known {
		return m.provider.Online()
	}
	return state == Online
}

// State returns the last applied state and whether one has been applied.
func (m *Monitor) State() (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.known
}

// Run applies the initial reading and then processes readings until ctx is
// done.
func (m *Monitor) Run(ctx context.Context) {
	readings, cancel := m.provider.Subscribe()
	defer cancel()

	m.apply(ctx, m.provider.Online())
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-readings:
			if !ok {
				return
			}
			m.apply(ctx, online)
		}
	}
}

func (m *Monitor) apply(ctx context.Context, online bool) {
	m.mu.Lock()
	tr, changed := Decide(m.state, m.known, online)
	if !changed {
		m.mu.Unlock()
		return
	}
	m.state = tr.To
	m.known = true
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.WithFields(log.Fields{
		"from":    tr.From.String(),
		"to":      tr.To.String(),
		"initial": tr.Initial,
	}).Info("connectivity changed")

	if m.notifier != nil {
		intent := IntentFor(tr)
		m.notifier.Notify(ctx, intent.Title, intent.Body)
	}
	for _, h := range handlers {
		h(ctx, tr)
	}
}
