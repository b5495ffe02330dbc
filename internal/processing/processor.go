// Package processing runs attachment background jobs on an in-process
// goroutine pool. It stands in for the asynq queue when no Redis is
// configured.
package processing

import (
	"context"
	"sync"

	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

// Kind names a background job.
type Kind string

const (
	KindPullReferences Kind = "pull-references"
	KindBackup         Kind = "backup"
)

// Job represents background work for one attachment.
type Job struct {
	Kind         Kind
	AttachmentID string
}

// Handler performs jobs.
type Handler interface {
	PullReferences(ctx context.Context, id string) error
	BackupAttachment(ctx context.Context, id string) error
}

// Processor consumes Jobs on a fixed number of goroutines.
type Processor struct {
	queue   chan Job
	workers int
	log     *logger.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// New builds a Processor with queue capacity tied to worker count.
func New(workers int, log *logger.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		queue:   make(chan Job, workers*64),
		workers: workers,
		log:     log.WithComponent("processing"),
	}
}

// Start launches worker goroutines that hand jobs to h until ctx is
// cancelled. Jobs submitted before Start wait in the buffer.
func (p *Processor) Start(ctx context.Context, h Handler) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, h)
		}
	})
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() { p.wg.Wait() }

// Submit queues a job. It never blocks; when the buffer is full the job is
// dropped with a warning and Submit returns false.
func (p *Processor) Submit(job Job) bool {
	select {
	case p.queue <- job:
		return true
	default:
		p.log.Warn("processor queue full, dropping job", "kind", job.Kind, "attachment_id", job.AttachmentID)
		return false
	}
}

// NotifyDeleted schedules reference cleanup for a deleted attachment.
func (p *Processor) NotifyDeleted(_ context.Context, id string) {
	p.Submit(Job{Kind: KindPullReferences, AttachmentID: id})
}

// RequestBackup schedules a backup copy of a stored attachment.
func (p *Processor) RequestBackup(_ context.Context, a *model.Attachment) {
	p.Submit(Job{Kind: KindBackup, AttachmentID: a.ID})
}

func (p *Processor) worker(ctx context.Context, h Handler) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.process(ctx, h, job)
		}
	}
}

func (p *Processor) process(ctx context.Context, h Handler, job Job) {
	var err error
	switch job.Kind {
	case KindPullReferences:
		err = h.PullReferences(ctx, job.AttachmentID)
	case KindBackup:
		err = h.BackupAttachment(ctx, job.AttachmentID)
	default:
		p.log.Warn("unknown job kind", "kind", job.Kind)
		return
	}
	if err != nil {
		p.log.Warn("background job failed", "kind", job.Kind, "attachment_id", job.AttachmentID, "err", err)
	}
}
