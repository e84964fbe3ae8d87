package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

const (
	edmDateTime = "Edm.DateTime"
	edmInt64    = "Edm.Int64"

	// ChangeTaskUpserted is the change feed event type written after a remote upsert.
	ChangeTaskUpserted = "task-upserted"
)

type entityClient interface {
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

type messageQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Tables reads and writes tasks in an Azure table, one partition per user.
type Tables struct {
	table  entityClient
	feed   messageQueue
	logger *log.Logger
}

// NewTables creates a Tables instance from the given connection string. When
// changeQueue is empty no change feed is published.
func NewTables(connStr, tasksTable, changeQueue string, logger *log.Logger) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	t := &Tables{table: svc.NewClient(tasksTable), logger: logger}
	if changeQueue != "" {
		queueClientOptions := azqueue.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Retry: policy.RetryOptions{
					MaxRetries:    5,
					TryTimeout:    time.Second * 30,
					RetryDelay:    time.Second * 1,
					MaxRetryDelay: time.Second * 60,
					StatusCodes:   []int{408, 429, 500, 502, 503, 504},
				},
			},
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, changeQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
		t.feed = q
	}
	if t.logger == nil {
		t.logger = log.StandardLogger()
	}
	return t, nil
}

type tableKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	tableKeys
	Title         string    `json:"Title"`
	Date          time.Time `json:"Date"`
	DateType      string    `json:"Date@odata.type,omitempty"`
	Completed     bool      `json:"Completed"`
	CreatedAt     int64     `json:"CreatedAt,string"`
	CreatedAtType string    `json:"CreatedAt@odata.type,omitempty"`
}

// TaskChange is published on the change feed after every remote upsert.
type TaskChange struct {
	Type      string      `json:"Type"`
	UserID    string      `json:"UserId"`
	Task      domain.Task `json:"Task"`
	Timestamp int64       `json:"Timestamp"`
}

func partitionFilter(userID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(userID, "'", "''") + "'"
}

// FetchTasks retrieves all tasks stored for the user. Tasks read from the
// table are reported as synced.
func (s *Tables) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := partitionFilter(userID)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, domain.Task{
				ID:        ent.RowKey,
				Title:     ent.Title,
				Date:      ent.Date,
				Completed: ent.Completed,
				Synced:    true,
				CreatedAt: ent.CreatedAt,
			})
		}
	}
	return tasks, nil
}

// UpsertTask creates or replaces the task entity and then publishes a change
// event. A failed publish is logged and does not fail the upsert.
func (s *Tables) UpsertTask(ctx context.Context, userID string, task domain.Task) error {
	ent := taskEntity{
		tableKeys:     tableKeys{PartitionKey: userID, RowKey: task.ID},
		Title:         task.Title,
		Date:          task.Date.UTC(),
		DateType:      edmDateTime,
		Completed:     task.Completed,
		CreatedAt:     task.CreatedAt,
		CreatedAtType: edmInt64,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	mode := aztables.UpdateModeReplace
	if _, err := s.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: mode}); err != nil {
		return err
	}
	s.publishChange(ctx, userID, task)
	return nil
}

func (s *Tables) publishChange(ctx context.Context, userID string, task domain.Task) {
	if s.feed == nil {
		return
	}
	task.Synced = true
	data, err := json.Marshal(TaskChange{
		Type:      ChangeTaskUpserted,
		UserID:    userID,
		Task:      task,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.WithError(err).Error("encode task change")
		return
	}
	if _, err := s.feed.EnqueueMessage(ctx, string(data), nil); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"user_id": userID,
			"task_id": task.ID,
		}).Warn("publish task change failed")
	}
}
