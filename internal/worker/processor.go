package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/maintenance"
	"github.com/dharsanguruparan/attachvault/internal/queue"
)

// Tasks is the work the worker delegates to; *maintenance.Janitor satisfies it.
type Tasks interface {
	PullReferences(ctx context.Context, id string) error
	BackupAttachment(ctx context.Context, id string) error
	RunTask(ctx context.Context, task string) (int, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	tasks Tasks
	log   *logger.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(tasks Tasks, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{tasks: tasks, log: log.WithComponent("worker")}
}

// Handler registers every task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.PullReferencesTask, p.attachmentHandler(p.tasks.PullReferences))
	mux.HandleFunc(queue.BackupTask, p.attachmentHandler(p.tasks.BackupAttachment))
	for _, name := range maintenance.Tasks() {
		mux.HandleFunc(queue.MaintenanceTask(name), p.maintenanceHandler(name))
	}
	return mux
}

func (p *Processor) attachmentHandler(run func(context.Context, string) error) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload queue.AttachmentPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.AttachmentID == "" {
			return fmt.Errorf("decode %s payload: %w", task.Type(), asynq.SkipRetry)
		}
		err := run(ctx, payload.AttachmentID)
		if apperr.IsKind(err, apperr.NotFound) {
			// The attachment is gone; retrying cannot help.
			p.log.Info("task target vanished", "task", task.Type(), "attachment_id", payload.AttachmentID)
			return nil
		}
		if err != nil {
			p.log.Warn("task failed", "task", task.Type(), "attachment_id", payload.AttachmentID, "err", err)
			return err
		}
		return nil
	}
}

func (p *Processor) maintenanceHandler(name string) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		_, err := p.tasks.RunTask(ctx, name)
		return err
	}
}
