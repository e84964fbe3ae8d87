package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Notifier delivers a user-facing notification. Delivery is fire and forget.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, title, body string) {
	n.logger.WithFields(log.Fields{"title": title, "body": body}).Info("notification")
}

// Message is the payload published by RedisNotifier.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	At    int64  `json:"at"`
}

// RedisNotifier publishes notifications on a Redis channel the presentation
// layer subscribes to.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, logger *log.Logger) *RedisNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

func (n *RedisNotifier) Notify(ctx context.Context, title, body string) {
	payload, err := json.Marshal(Message{Title: title, Body: body, At: time.Now().UnixMilli()})
	if err != nil {
		n.logger.WithError(err).Error("encode notification")
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logger.WithError(err).Errorf("Unable to publish notification to %s", n.channel)
	}
}

// Multi fans a notification out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, title, body string) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, title, body)
		}
	}
}

// Permission is the platform's notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission maps a configuration value to a Permission. Unknown values
// are treated as default.
func ParsePermission(s string) Permission {
	switch Permission(strings.ToLower(strings.TrimSpace(s))) {
	case PermissionGranted:
		return PermissionGranted
	case PermissionDenied:
		return PermissionDenied
	default:
		return PermissionDefault
	}
}

// PermissionSource reports and requests notification permission.
type PermissionSource interface {
	Permission() Permission
	Request(ctx context.Context) Permission
}

// StaticPermission is a PermissionSource whose answer to a request is fixed.
type StaticPermission struct {
	mu       sync.Mutex
	state    Permission
	onPrompt Permission
}

// NewStaticPermission starts in state and moves to onPrompt when a request is
// made from the default state.
func NewStaticPermission(state, onPrompt Permission) *StaticPermission {
	return &StaticPermission{state: state, onPrompt: onPrompt}
}

func (p *StaticPermission) Permission() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *StaticPermission) Request(ctx context.Context) Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PermissionDefault {
		p.state = p.onPrompt
	}
	return p.state
}

// Gated drops notifications unless permission has been granted.
type Gated struct {
	next Notifier
	perm PermissionSource
}

func NewGated(next Notifier, perm PermissionSource) *Gated {
	return &Gated{next: next, perm: perm}
}

func (g *Gated) Notify(ctx context.Context, title, body string) {
	if g.perm != nil && g.perm.Permission() != PermissionGranted {
		return
	}
	g.next.Notify(ctx, title, body)
}

// RequestPermission asks for permission when none was decided yet and
// confirms a fresh grant with a notification.
func RequestPermission(ctx context.Context, perm PermissionSource, n Notifier, logger *log.Logger) Permission {
	current := perm.Permission()
	if current != PermissionDefault {
		return current
	}
	granted := perm.Request(ctx)
	if logger != nil {
		logger.WithField("permission", string(granted)).Info("notification permission requested")
	}
	if granted == PermissionGranted && n != nil {
		n.Notify(ctx, "Notifications enabled", "You will now receive notifications.")
	}
	return granted
}
