package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// TaskStore is the capability both the local and the remote store provide.
type TaskStore interface {
	GetAll(ctx context.Context) ([]domain.Task, error)
	Put(ctx context.Context, task domain.Task) error
}

// Connectivity reports whether the remote store should be contacted.
type Connectivity interface {
	Online() bool
}

// Leases guards a task upload against concurrent passes uploading the same id.
type Leases interface {
	// Acquire returns false when another holder owns the lease. The token
	// identifies this holder to Release.
	Acquire(ctx context.Context, taskID string) (token string, ok bool)
	// Release drops the lease only while token still owns it.
	Release(ctx context.Context, taskID, token string)
}

// Options tunes an Engine.
type Options struct {
	// UploadConcurrency bounds the number of parallel remote writes in a pass.
	UploadConcurrency int
	// Location is used for dates given without an offset.
	Location *time.Location
	// Leases is optional.
	Leases Leases
	Now    func() time.Time
}

// Report describes one sync pass.
type Report struct {
	Tasks              []domain.Task
	Online             bool
	LocalErr           error
	RemoteErr          error
	LocalCount         int
	RemoteCount        int
	Pulled             int
	Uploaded           int
	UploadFailures     int
	Deferred           int
	LocalWriteFailures int
	Duration           time.Duration
}

// Converged reports whether the pass left both stores holding the same
// tasks, all marked synced.
func (r Report) Converged() bool {
	return r.Online && r.RemoteErr == nil && r.LocalErr == nil &&
		r.UploadFailures == 0 && r.Deferred == 0 && r.LocalWriteFailures == 0
}

// NewTask is the user input for CreateTask.
type NewTask struct {
	Title     string `json:"title"`
	Date      string `json:"date"`
	Completed bool   `json:"completed"`
}

// Engine reconciles the local and remote task stores.
type Engine struct {
	local  TaskStore
	remote TaskStore
	conn   Connectivity
	logger *log.Logger
	opts   Options

	mu       sync.RWMutex
	view     []domain.Task
	hasView  bool
	watchers []Watcher
}

// New creates an Engine.
func New(local, remote TaskStore, conn Connectivity, logger *log.Logger, opts Options) *Engine {
	if local == nil || remote == nil || conn == nil {
		panic("reconcile.New: local, remote and connectivity are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{local: local, remote: remote, conn: conn, logger: logger, opts: opts}
}

// Watcher receives the report of every finished pass.
type Watcher func(Report)

// OnSync registers fn to receive every finished pass report.
func (e *Engine) OnSync(fn Watcher) {
	e.mu.Lock()
	e.watchers = append(e.watchers, fn)
	e.mu.Unlock()
}

// View returns the task set of the last pass, running one if none ran yet.
func (e *Engine) View(ctx context.Context) []domain.Task {
	e.mu.RLock()
	if e.hasView {
		out := append([]domain.Task(nil), e.view...)
		e.mu.RUnlock()
		return out
	}
	e.mu.RUnlock()
	return e.Sync(ctx).Tasks
}

func (e *Engine) setView(tasks []domain.Task) {
	e.mu.Lock()
	e.view = append([]domain.Task(nil), tasks...)
	e.hasView = true
	e.mu.Unlock()
}

// Sync runs one reconciliation pass. It never fails: problems are logged and
// recorded on the report, which always carries the best available task set.
func (e *Engine) Sync(ctx context.Context) Report {
	metrics, spanCtx := newSyncMetrics(ctx, e.logger)
	if spanCtx != nil {
		ctx = spanCtx
	}
	start := time.Now()
	rep := e.sync(ctx)
	rep.Duration = time.Since(start)
	metrics.Finish(rep)

	e.setView(rep.Tasks)
	e.mu.RLock()
	watchers := append([]Watcher(nil), e.watchers...)
	e.mu.RUnlock()
	for _, fn := range watchers {
		fn(rep)
	}
	return rep
}

func (e *Engine) sync(ctx context.Context) Report {
	var rep Report

	local, err := e.local.GetAll(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("read local tasks")
		rep.LocalErr = err
		local = nil
	}
	rep.LocalCount = len(local)

	rep.Online = e.conn.Online()
	if !rep.Online {
		rep.Tasks = local
		return rep
	}

	remote, err := e.remote.GetAll(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("read remote tasks; serving local view")
		rep.RemoteErr = err
		rep.Tasks = local
		return rep
	}
	rep.RemoteCount = len(remote)

	merged := domain.Merge(local, remote)
	rep.Pulled = len(merged) - len(domain.Index(local))

	remoteByID := domain.Index(remote)
	pending := make([]int, 0)
	for i, t := range merged {
		if needsUpload(t, remoteByID) {
			pending = append(pending, i)
		}
	}
	e.upload(ctx, merged, pending, &rep)

	for _, t := range merged {
		if err := e.local.Put(ctx, t); err != nil {
			rep.LocalWriteFailures++
			if rep.LocalErr == nil {
				rep.LocalErr = err
			}
			e.logger.WithError(err).WithField("task_id", t.ID).Warn("persist task locally")
		}
	}

	rep.Tasks = merged
	return rep
}

// needsUpload selects tasks the remote store does not hold with the same
// values: unsynced ones, ones missing remotely and ones whose remote copy
// differs. Local values win.
func needsUpload(t domain.Task, remote map[string]domain.Task) bool {
	if !t.Synced {
		return true
	}
	r, ok := remote[t.ID]
	if !ok {
		return true
	}
	return !r.SameContent(t)
}

// upload writes merged[i] for every pending index. Each upload is independent
// and flips the task's synced flag to the outcome.
func (e *Engine) upload(ctx context.Context, merged []domain.Task, pending []int, rep *Report) {
	if len(pending) == 0 {
		return
	}
	type result struct {
		idx      int
		err      error
		deferred bool
	}
	results := make(chan result, len(pending))
	sem := make(chan struct{}, e.opts.UploadConcurrency)
	var wg sync.WaitGroup
	for _, idx := range pending {
		task := merged[idx].WithSynced(true)
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, task domain.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			if e.opts.Leases != nil {
				token, ok := e.opts.Leases.Acquire(ctx, task.ID)
				if !ok {
					results <- result{idx: idx, deferred: true}
					return
				}
				defer e.opts.Leases.Release(ctx, task.ID, token)
			}
			results <- result{idx: idx, err: e.remote.Put(ctx, task)}
		}(idx, task)
	}
	wg.Wait()
	close(results)

	for res := range results {
		t := &merged[res.idx]
		switch {
		case res.deferred:
			t.Synced = false
			rep.Deferred++
			uploadsTotal.WithLabelValues("deferred").Inc()
		case res.err != nil:
			t.Synced = false
			rep.UploadFailures++
			uploadsTotal.WithLabelValues("failed").Inc()
			e.logger.WithError(res.err).WithField("task_id", t.ID).Warn("upload task")
		default:
			t.Synced = true
			rep.Uploaded++
			uploadsTotal.WithLabelValues("ok").Inc()
		}
	}
}

// CreateTask validates the input, records the task locally (and remotely when
// online) and folds it into the view with a sync pass. Only validation
// failures are returned as errors.
//
// While online a remote task with the same title, date and completion status
// is taken to be the same task: the new task adopts its id and no remote
// write is made.
func (e *Engine) CreateTask(ctx context.Context, in NewTask) (domain.Task, Report, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, Report{}, &domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	date, err := domain.ParseDate(in.Date, e.opts.Location)
	if err != nil {
		return domain.Task{}, Report{}, err
	}

	task := domain.Task{
		ID:        domain.NewTaskID(),
		Title:     title,
		Date:      date,
		Completed: in.Completed,
		CreatedAt: e.opts.Now().UnixMilli(),
	}
	logger := e.logger.WithField("task_id", task.ID)

	if e.conn.Online() {
		task = e.createRemote(ctx, task, logger)
	}

	localErr := e.local.Put(ctx, task)
	if localErr != nil {
		logger.WithError(localErr).Warn("persist new task locally")
	}

	rep := e.Sync(ctx)
	if localErr != nil {
		rep.LocalErr = errors.Join(fmt.Errorf("create: %w", localErr), rep.LocalErr)
	}
	for _, t := range rep.Tasks {
		if t.ID == task.ID {
			return t, rep, nil
		}
	}
	return task, rep, nil
}

func (e *Engine) createRemote(ctx context.Context, task domain.Task, logger *log.Entry) domain.Task {
	remote, err := e.remote.GetAll(ctx)
	if err != nil {
		logger.WithError(err).Warn("check remote duplicates; task stays pending")
		return task
	}
	if existing, ok := domain.FindByContent(remote, task); ok {
		logger.WithField("existing_id", existing.ID).Info("task already stored remotely; adopting its id")
		task.ID = existing.ID
		task.Synced = true
		return task
	}
	if err := e.remote.Put(ctx, task.WithSynced(true)); err != nil {
		logger.WithError(err).Warn("upload new task; task stays pending")
		return task
	}
	task.Synced = true
	return task
}
