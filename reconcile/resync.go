package reconcile

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Resyncer schedules another sync pass after a pass that left work behind
// while online, backing off exponentially until a pass converges.
type Resyncer struct {
	sync    func(ctx context.Context) Report
	initial time.Duration
	max     time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	ctx     context.Context
	attempt int
	timer   *time.Timer
	stopped bool
}

// NewResyncer creates a Resyncer that runs syncFn. Call Start and register
// Observe with Engine.OnSync.
func NewResyncer(syncFn func(ctx context.Context) Report, initial, max time.Duration, logger *log.Logger) *Resyncer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Resyncer{sync: syncFn, initial: initial, max: max, logger: logger, ctx: context.Background()}
}

// Start sets the context scheduled passes run under. Cancelling it stops the
// Resyncer.
func (r *Resyncer) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Observe inspects a finished pass and schedules or cancels the next retry.
// Offline passes are left to the connectivity monitor.
func (r *Resyncer) Observe(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if !rep.Online || rep.Converged() {
		r.attempt = 0
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		return
	}
	if r.timer != nil {
		return
	}
	r.attempt++
	delay := exponentialBackoff(r.attempt, r.initial, r.max)
	r.logger.WithFields(log.Fields{
		"attempt":  r.attempt,
		"delay_ms": durationToMillis(delay),
	}).Info("scheduling resync")
	r.timer = time.AfterFunc(delay, r.fire)
}

func (r *Resyncer) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	ctx := r.ctx
	r.mu.Unlock()
	r.sync(ctx)
}

// Stop cancels any pending retry.
func (r *Resyncer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Pending reports whether a retry is scheduled.
func (r *Resyncer) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
