package reconcile

import (
	"context"
	"sync"
	"sync/atomic"

	"tasksync/domain"
)

type fakeStore struct {
	mu         sync.Mutex
	order      []string
	tasks      map[string]domain.Task
	markSynced bool

	getAllErr error
	putErr    error
	putErrFor map[string]error

	getAllCalls int
	putCalls    int
}

func newFakeStore(markSynced bool, tasks ...domain.Task) *fakeStore {
	f := &fakeStore{tasks: map[string]domain.Task{}, markSynced: markSynced}
	for _, t := range tasks {
		f.set(t)
	}
	return f
}

func (f *fakeStore) set(t domain.Task) {
	if _, ok := f.tasks[t.ID]; !ok {
		f.order = append(f.order, t.ID)
	}
	f.tasks[t.ID] = t
}

func (f *fakeStore) GetAll(ctx context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getAllCalls++
	if f.getAllErr != nil {
		return nil, f.getAllErr
	}
	out := make([]domain.Task, 0, len(f.order))
	for _, id := range f.order {
		t := f.tasks[id]
		if f.markSynced {
			t.Synced = true
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) Put(ctx context.Context, t domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErr != nil {
		return f.putErr
	}
	if err := f.putErrFor[t.ID]; err != nil {
		return err
	}
	f.set(t)
	return nil
}

func (f *fakeStore) calls() (getAll, put int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getAllCalls, f.putCalls
}

func (f *fakeStore) get(id string) (domain.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeStore) ids() map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.order))
	for _, id := range f.order {
		out[id] = struct{}{}
	}
	return out
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type fakeConn struct {
	online atomic.Bool
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{}
	c.online.Store(online)
	return c
}

func (c *fakeConn) Online() bool { return c.online.Load() }
