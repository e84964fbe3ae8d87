package api

import (
	"context"

	"tasksync/auth"
	"tasksync/domain"
	"tasksync/reconcile"
)

// Engine is the reconciliation surface the handlers drive.
type Engine interface {
	View(ctx context.Context) []domain.Task
	Sync(ctx context.Context) reconcile.Report
	CreateTask(ctx context.Context, in reconcile.NewTask) (domain.Task, reconcile.Report, error)
}

// ConnectivitySignal reads and injects the platform connectivity reading.
type ConnectivitySignal interface {
	Online() bool
	Set(online bool)
}

// Session is the authentication capability.
type Session interface {
	SignIn(token string) (auth.Identity, error)
	Logout()
	CurrentUser() (string, bool)
	// Authorize reports whether the Authorization header may change the
	// session.
	Authorize(header string) bool
}
