package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

// Provision creates the tasks table and, when named, the change queue.
// Resources that already exist are left alone.
func Provision(ctx context.Context, connStr, tasksTable, changeQueue string, logger *log.Logger) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if tasksTable != "" {
		if _, err := svc.NewClient(tasksTable).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		logger.WithField("table", tasksTable).Info("tasks table ready")
	}
	if changeQueue != "" {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, changeQueue, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
		logger.WithField("queue", changeQueue).Info("change queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
