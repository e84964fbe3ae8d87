package storage

import (
	"context"
	"errors"
	"fmt"

	"tasksync/domain"
)

// Session reports the authenticated user, if any.
type Session interface {
	CurrentUser() (string, bool)
}

// RemoteStore is the authoritative task store seen through the signed-in
// user's session. Every failure, including a missing session, is reported as
// domain.ErrRemoteUnavailable.
type RemoteStore struct {
	base    Backend
	session Session
}

// NewRemote creates a RemoteStore over the given backend, typically *Tables
// or a *Cache wrapping it.
func NewRemote(base Backend, session Session) *RemoteStore {
	if base == nil {
		panic("storage.NewRemote: backend is nil")
	}
	return &RemoteStore{base: base, session: session}
}

func (r *RemoteStore) user() (string, error) {
	if r.session == nil {
		return "", fmt.Errorf("%w: no session", domain.ErrRemoteUnavailable)
	}
	userID, ok := r.session.CurrentUser()
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: not signed in", domain.ErrRemoteUnavailable)
	}
	return userID, nil
}

func (r *RemoteStore) GetAll(ctx context.Context) ([]domain.Task, error) {
	userID, err := r.user()
	if err != nil {
		return nil, err
	}
	tasks, err := r.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	for i := range tasks {
		tasks[i].Synced = true
	}
	return tasks, nil
}

func (r *RemoteStore) Put(ctx context.Context, task domain.Task) error {
	userID, err := r.user()
	if err != nil {
		return err
	}
	if err := r.base.UpsertTask(ctx, userID, task); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	return nil
}

// Unconfigured is the backend used when no remote storage is configured.
// Every call fails, so the engine stays on the local view.
type Unconfigured struct{}

var errUnconfigured = errors.New("remote storage not configured")

func (Unconfigured) FetchTasks(context.Context, string) ([]domain.Task, error) {
	return nil, errUnconfigured
}

func (Unconfigured) UpsertTask(context.Context, string, domain.Task) error {
	return errUnconfigured
}
