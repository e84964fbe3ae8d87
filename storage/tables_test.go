package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/sirupsen/logrus/hooks/test"

	"tasksync/domain"
)

type fakeTable struct {
	pages     [][][]byte
	listErr   error
	upsertErr error
	filters   []string
	upserts   [][]byte
	modes     []aztables.UpdateMode
}

func (f *fakeTable) NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	if opts != nil && opts.Filter != nil {
		f.filters = append(f.filters, *opts.Filter)
	}
	page := 0
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool {
			return page < len(f.pages)
		},
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			if f.listErr != nil {
				return aztables.ListEntitiesResponse{}, f.listErr
			}
			if len(f.pages) == 0 {
				return aztables.ListEntitiesResponse{}, nil
			}
			resp := aztables.ListEntitiesResponse{Entities: f.pages[page]}
			page++
			return resp, nil
		},
	})
}

func (f *fakeTable) UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error) {
	if f.upsertErr != nil {
		return aztables.UpsertEntityResponse{}, f.upsertErr
	}
	f.upserts = append(f.upserts, append([]byte(nil), entity...))
	if options != nil {
		f.modes = append(f.modes, options.UpdateMode)
	}
	return aztables.UpsertEntityResponse{}, nil
}

type fakeQueue struct {
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestTablesFetchTasksDecodesEntities(t *testing.T) {
	logger, _ := test.NewNullLogger()
	table := &fakeTable{pages: [][][]byte{
		{[]byte(`{"PartitionKey":"user-1","RowKey":"t1","Title":"Pay rent","Date":"2024-06-01T09:00:00Z","Date@odata.type":"Edm.DateTime","Completed":false,"CreatedAt":"1717232400000","CreatedAt@odata.type":"Edm.Int64"}`)},
		{[]byte(`{"PartitionKey":"user-1","RowKey":"t2","Title":"Call mom","Date":"2024-06-02T10:30:00Z","Completed":true}`)},
	}}
	tables := &Tables{table: table, logger: logger}

	tasks, err := tables.FetchTasks(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("fetch tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	first := tasks[0]
	if first.ID != "t1" || first.Title != "Pay rent" || first.CreatedAt != 1717232400000 || !first.Synced {
		t.Fatalf("unexpected first task: %#v", first)
	}
	if !first.Date.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date: %v", first.Date)
	}
	if !tasks[1].Completed {
		t.Fatalf("expected second task completed")
	}
	if len(table.filters) != 1 || table.filters[0] != "PartitionKey eq 'user-1'" {
		t.Fatalf("unexpected filter: %v", table.filters)
	}
}

func TestPartitionFilterEscapesQuotes(t *testing.T) {
	if got := partitionFilter("o'brien"); got != "PartitionKey eq 'o''brien'" {
		t.Fatalf("unexpected filter: %s", got)
	}
}

func TestTablesFetchTasksError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	boom := errors.New("network down")
	tables := &Tables{table: &fakeTable{pages: [][][]byte{{}}, listErr: boom}, logger: logger}
	if _, err := tables.FetchTasks(context.Background(), "u"); !errors.Is(err, boom) {
		t.Fatalf("expected list error, got %v", err)
	}
}

func TestTablesUpsertTaskWritesEntityAndChange(t *testing.T) {
	logger, _ := test.NewNullLogger()
	table := &fakeTable{}
	queue := &fakeQueue{}
	tables := &Tables{table: table, feed: queue, logger: logger}

	task := newTask("t1", "Water plants")
	task.CreatedAt = 42
	if err := tables.UpsertTask(context.Background(), "user-1", task); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(table.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(table.upserts))
	}
	if len(table.modes) != 1 || table.modes[0] != aztables.UpdateModeReplace {
		t.Fatalf("expected replace mode, got %v", table.modes)
	}
	var ent map[string]any
	if err := json.Unmarshal(table.upserts[0], &ent); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	if ent["PartitionKey"] != "user-1" || ent["RowKey"] != "t1" || ent["Title"] != "Water plants" {
		t.Fatalf("unexpected entity: %v", ent)
	}
	if ent["Date@odata.type"] != edmDateTime || ent["CreatedAt"] != "42" {
		t.Fatalf("unexpected typed fields: %v", ent)
	}

	if len(queue.messages) != 1 {
		t.Fatalf("expected one change message, got %d", len(queue.messages))
	}
	var change TaskChange
	if err := json.Unmarshal([]byte(queue.messages[0]), &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.Type != ChangeTaskUpserted || change.UserID != "user-1" || change.Task.ID != "t1" || !change.Task.Synced {
		t.Fatalf("unexpected change: %#v", change)
	}
}

func TestTablesUpsertIgnoresFeedFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tables := &Tables{table: &fakeTable{}, feed: &fakeQueue{err: errors.New("queue down")}, logger: logger}

	if err := tables.UpsertTask(context.Background(), "u", newTask("t1", "x")); err != nil {
		t.Fatalf("expected upsert to succeed, got %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || !strings.Contains(entry.Message, "publish task change failed") {
		t.Fatalf("expected publish warning, got %#v", entry)
	}
}

func TestTablesUpsertTaskError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	queue := &fakeQueue{}
	boom := errors.New("throttled")
	tables := &Tables{table: &fakeTable{upsertErr: boom}, feed: queue, logger: logger}

	if err := tables.UpsertTask(context.Background(), "u", newTask("t1", "x")); !errors.Is(err, boom) {
		t.Fatalf("expected upsert error, got %v", err)
	}
	if len(queue.messages) != 0 {
		t.Fatalf("no change must be published for a failed upsert")
	}
}

type stubBackend struct {
	fetchTasksFn func(ctx context.Context, userID string) ([]domain.Task, error)
	upsertTaskFn func(ctx context.Context, userID string, task domain.Task) error
}

func (s *stubBackend) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if s.fetchTasksFn == nil {
		return nil, errors.New("unexpected FetchTasks call")
	}
	return s.fetchTasksFn(ctx, userID)
}

func (s *stubBackend) UpsertTask(ctx context.Context, userID string, task domain.Task) error {
	if s.upsertTaskFn == nil {
		return errors.New("unexpected UpsertTask call")
	}
	return s.upsertTaskFn(ctx, userID, task)
}

type staticSession struct {
	user string
}

func (s staticSession) CurrentUser() (string, bool) {
	return s.user, s.user != ""
}

func TestRemoteStoreRequiresSession(t *testing.T) {
	remote := NewRemote(&stubBackend{}, staticSession{})
	if _, err := remote.GetAll(context.Background()); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if err := remote.Put(context.Background(), newTask("a", "x")); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if _, err := NewRemote(&stubBackend{}, nil).GetAll(context.Background()); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable for nil session, got %v", err)
	}
}

func TestRemoteStoreMapsBackendErrors(t *testing.T) {
	boom := errors.New("503")
	remote := NewRemote(&stubBackend{
		fetchTasksFn: func(ctx context.Context, userID string) ([]domain.Task, error) { return nil, boom },
		upsertTaskFn: func(ctx context.Context, userID string, task domain.Task) error { return boom },
	}, staticSession{user: "u"})

	if _, err := remote.GetAll(context.Background()); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if err := remote.Put(context.Background(), newTask("a", "x")); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestRemoteStoreScopesToUserAndMarksSynced(t *testing.T) {
	var upsertUser string
	remote := NewRemote(&stubBackend{
		fetchTasksFn: func(ctx context.Context, userID string) ([]domain.Task, error) {
			if userID != "user-9" {
				t.Fatalf("unexpected user: %s", userID)
			}
			return []domain.Task{newTask("a", "x")}, nil
		},
		upsertTaskFn: func(ctx context.Context, userID string, task domain.Task) error {
			upsertUser = userID
			return nil
		},
	}, staticSession{user: "user-9"})

	tasks, err := remote.GetAll(context.Background())
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(tasks) != 1 || !tasks[0].Synced {
		t.Fatalf("expected synced task, got %#v", tasks)
	}
	if err := remote.Put(context.Background(), newTask("b", "y")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if upsertUser != "user-9" {
		t.Fatalf("unexpected upsert user: %s", upsertUser)
	}
}

func TestRemoteStoreUnconfigured(t *testing.T) {
	remote := NewRemote(Unconfigured{}, staticSession{user: "u"})
	if _, err := remote.GetAll(context.Background()); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if err := remote.Put(context.Background(), newTask("a", "x")); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}
