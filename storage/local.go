package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

const journalFileName = "tasks.journal"

// LocalOptions tunes the durable local store.
type LocalOptions struct {
	// CompactBytes triggers a rewrite of the journal once it grows past this size.
	CompactBytes int64
	// SyncEvery fsyncs after this many appends. Values <= 1 sync every append.
	SyncEvery int
}

// LocalStore is the device-side durable task store. Every Put is appended to
// a journal on disk and applied to an in-memory index that serves reads.
type LocalStore struct {
	mu      sync.Mutex
	mem     *MemoryStore
	journal *journal
	opts    LocalOptions
	logger  *log.Logger

	compactedSize int64
}

// OpenLocal opens or creates the store under dir and replays its journal.
// Failures wrap domain.ErrStorageUnavailable.
func OpenLocal(dir string, opts LocalOptions, logger *log.Logger) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: data directory not configured", domain.ErrStorageUnavailable)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	j, records, err := openJournal(journalConfig{
		path:      filepath.Join(dir, journalFileName),
		syncEvery: opts.SyncEvery,
		logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	mem := NewMemoryStore()
	for _, rec := range records {
		mem.putLocked(rec.Task)
	}
	logger.WithFields(log.Fields{
		"dir":     dir,
		"records": len(records),
		"tasks":   mem.Len(),
	}).Debug("local store opened")
	return &LocalStore{mem: mem, journal: j, opts: opts, logger: logger}, nil
}

func (s *LocalStore) GetAll(ctx context.Context) ([]domain.Task, error) {
	return s.mem.GetAll(ctx)
}

// Put upserts the task. The in-memory view only changes once the journal
// append succeeded.
func (s *LocalStore) Put(ctx context.Context, task domain.Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journal.append(task); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if err := s.mem.Put(ctx, task); err != nil {
		return err
	}
	if size := s.journal.sizeBytes(); s.opts.CompactBytes > 0 && size > s.opts.CompactBytes && size > 2*s.compactedSize {
		s.compactLocked(ctx)
	}
	return nil
}

func (s *LocalStore) compactLocked(ctx context.Context) {
	tasks, _ := s.mem.GetAll(ctx)
	before := s.journal.sizeBytes()
	err := s.journal.compact(tasks)
	s.compactedSize = s.journal.sizeBytes()
	if err != nil {
		s.logger.WithError(err).Warn("journal compaction failed")
		return
	}
	s.logger.WithFields(log.Fields{
		"before_bytes": before,
		"after_bytes":  s.compactedSize,
		"tasks":        len(tasks),
	}).Debug("journal compacted")
}

// Close flushes and closes the journal.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.close()
}
