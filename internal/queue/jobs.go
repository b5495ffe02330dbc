// Package queue defines the asynq tasks attachvault schedules and a notifier
// that turns content store events into tasks.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/maintenance"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

const (
	// PullReferencesTask removes a deleted attachment from every holder.
	PullReferencesTask = "attachment:pull-references"
	// BackupTask copies a freshly stored attachment to the backup bucket.
	BackupTask = "attachment:backup"

	maintenancePrefix = "maintenance:"
	maxRetry          = 5
)

// AttachmentPayload is serialized into attachment task payloads.
type AttachmentPayload struct {
	AttachmentID string `json:"attachment_id"`
}

// MaintenanceTask returns the task type for a maintenance task name.
func MaintenanceTask(name string) string {
	return maintenancePrefix + name
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewAttachmentTask builds a task of type typ for id.
func NewAttachmentTask(typ, id string) (*asynq.Task, error) {
	data, err := json.Marshal(AttachmentPayload{AttachmentID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(typ, data), nil
}

// Enqueue enqueues an attachment task with retries.
func Enqueue(ctx context.Context, client Enqueuer, typ, id string) error {
	task, err := NewAttachmentTask(typ, id)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry), asynq.Timeout(5*time.Minute)); err != nil {
		return fmt.Errorf("enqueue %s task: %w", typ, err)
	}
	return nil
}

// Notifier implements the content store's notifier and backup hooks by
// enqueueing tasks. Failures are logged, never returned.
type Notifier struct {
	client Enqueuer
	log    *logger.Logger
}

// NewNotifier constructs a Notifier.
func NewNotifier(client Enqueuer, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{client: client, log: log.WithComponent("queue")}
}

// NotifyDeleted enqueues reference cleanup for id.
func (n *Notifier) NotifyDeleted(ctx context.Context, id string) {
	if err := Enqueue(context.WithoutCancel(ctx), n.client, PullReferencesTask, id); err != nil {
		n.log.Warn("reference cleanup not queued", "attachment_id", id, "err", err)
	}
}

// RequestBackup enqueues a backup of a.
func (n *Notifier) RequestBackup(ctx context.Context, a *model.Attachment) {
	if err := Enqueue(context.WithoutCancel(ctx), n.client, BackupTask, a.ID); err != nil {
		n.log.Warn("backup not queued", "attachment_id", a.ID, "err", err)
	}
}

// Registrar is satisfied by *asynq.Scheduler.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// SchedulePeriodic registers every maintenance task to run each interval.
// Unique locks keep a slow pass from overlapping the next one.
func SchedulePeriodic(s Registrar, every time.Duration) error {
	spec := fmt.Sprintf("@every %s", every)
	for _, name := range maintenance.Tasks() {
		task := asynq.NewTask(MaintenanceTask(name), nil)
		if _, err := s.Register(spec, task, asynq.MaxRetry(0), asynq.Unique(every)); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return nil
}
