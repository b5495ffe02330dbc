// Package uploads implements resumable, chunked uploads. Chunks land in a
// per-session data file; the content store only sees the bytes once the
// session completes.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/keylock"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/metrics"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

// Upload IDs double as file names, so anything else is rejected before the
// filesystem is touched.
var uploadIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{16,64}$`)

// ContentSaver is the part of the content store the manager depends on.
type ContentSaver interface {
	Rules(category config.Category, originalName, mimeType string, size int64) (config.CategoryRules, string, error)
	Save(ctx context.Context, src model.ByteSource, category config.Category, originalName, mimeType string) (*model.Attachment, error)
}

// InitiateRequest describes the file a client intends to upload.
type InitiateRequest struct {
	Category     config.Category `json:"category"`
	OriginalName string          `json:"originalName"`
	MimeType     string          `json:"mimeType"`
	Size         int64           `json:"size"`
}

// Manager owns every resumable upload session.
type Manager struct {
	dir        string
	chunkLimit int64
	ttl        time.Duration
	sessions   SessionStore
	content    ContentSaver
	locks      *keylock.Locker
	log        *logger.Logger
	metrics    metrics.Observer
	now        func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics observer.
func WithMetrics(o metrics.Observer) Option {
	return func(m *Manager) { m.metrics = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager prepares the session directory and returns a Manager.
func NewManager(cfg *config.Config, sessions SessionStore, content ContentSaver, opts ...Option) (*Manager, error) {
	dir := cfg.SessionDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	m := &Manager{
		dir:        dir,
		chunkLimit: cfg.ChunkLimit,
		ttl:        cfg.SessionTTL,
		sessions:   sessions,
		content:    content,
		locks:      keylock.New(),
		log:        logger.Nop(),
		metrics:    metrics.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithComponent("uploads")
	return m, nil
}

func (m *Manager) dataPath(id string) string {
	return filepath.Join(m.dir, id+".bin")
}

func validID(id string) error {
	if !uploadIDPattern.MatchString(id) {
		return apperr.New(apperr.NotFound, "upload session not found")
	}
	return nil
}

// Initiate validates the declared file and opens a session.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (*model.UploadSession, error) {
	if req.Size <= 0 {
		return nil, apperr.New(apperr.InvalidParameter, "size must be positive")
	}
	_, ext, err := m.content.Rules(req.Category, req.OriginalName, req.MimeType, req.Size)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	f, err := os.OpenFile(m.dataPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create upload data file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close upload data file: %w", err)
	}
	now := m.now()
	s := &model.UploadSession{
		UploadID:     id,
		Size:         req.Size,
		Category:     req.Category,
		OriginalName: strings.TrimSpace(req.OriginalName),
		MimeType:     req.MimeType,
		Extension:    ext,
		State:        model.SessionReceiving,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.sessions.Put(ctx, s); err != nil {
		_ = os.Remove(m.dataPath(id))
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.log.Info("upload session initiated", "upload_id", id, "category", req.Category, "size", req.Size)
	return s, nil
}

// AppendChunk writes chunk at offset. The offset must equal the bytes
// received so far and the chunk must not run past the declared size.
func (m *Manager) AppendChunk(ctx context.Context, uploadID string, offset int64, chunk []byte) (*model.UploadSession, error) {
	s, err := m.appendChunk(ctx, uploadID, offset, chunk)
	m.metrics.ObserveChunk(int64(len(chunk)), err)
	return s, err
}

func (m *Manager) appendChunk(ctx context.Context, uploadID string, offset int64, chunk []byte) (*model.UploadSession, error) {
	if err := validID(uploadID); err != nil {
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, apperr.New(apperr.InvalidParameter, "chunk is empty")
	}
	if int64(len(chunk)) > m.chunkLimit {
		return nil, apperr.New(apperr.TooLarge, "chunk exceeds %d bytes", m.chunkLimit)
	}
	unlock := m.locks.Lock(uploadID)
	defer unlock()

	s, err := m.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if offset != s.BytesReceived {
		return nil, apperr.New(apperr.InvalidOffset, "offset %d does not match bytes received %d", offset, s.BytesReceived)
	}
	if offset+int64(len(chunk)) > s.Size {
		return nil, apperr.New(apperr.Overflow, "chunk ends at %d past declared size %d", offset+int64(len(chunk)), s.Size)
	}
	if err := m.writeAt(uploadID, offset, chunk); err != nil {
		return nil, err
	}
	s.BytesReceived += int64(len(chunk))
	s.UpdatedAt = m.now()
	if err := m.sessions.Put(ctx, s); err != nil {
		// Leave the data file consistent with the persisted state.
		_ = os.Truncate(m.dataPath(uploadID), offset)
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return s, nil
}

// writeAt truncates any bytes past offset left by an interrupted append and
// writes chunk there. Session state, not file length, is authoritative.
func (m *Manager) writeAt(uploadID string, offset int64, chunk []byte) error {
	f, err := os.OpenFile(m.dataPath(uploadID), os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.New(apperr.NotFound, "upload data missing")
		}
		return fmt.Errorf("open upload data: %w", err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return fmt.Errorf("truncate upload data: %w", err)
	}
	if _, err := f.WriteAt(chunk, offset); err != nil {
		f.Close()
		return fmt.Errorf("write upload data: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close upload data: %w", err)
	}
	return nil
}

// Complete hands the assembled bytes to the content store and frees the
// session.
func (m *Manager) Complete(ctx context.Context, uploadID string) (*model.Attachment, error) {
	if err := validID(uploadID); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(uploadID)
	defer unlock()

	s, err := m.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if s.BytesReceived != s.Size {
		return nil, apperr.New(apperr.Incomplete, "received %d of %d bytes", s.BytesReceived, s.Size)
	}
	src, err := model.OpenFileSource(m.dataPath(uploadID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.New(apperr.NotFound, "upload data missing")
		}
		return nil, fmt.Errorf("open upload data: %w", err)
	}
	if src.Size() != s.Size {
		src.Close()
		return nil, apperr.New(apperr.Incomplete, "upload data holds %d of %d bytes", src.Size(), s.Size)
	}
	a, err := m.content.Save(ctx, src, s.Category, s.OriginalName, s.MimeType)
	src.Close()
	if err != nil {
		return nil, err
	}
	m.discard(ctx, uploadID)
	m.log.Info("upload session completed", "upload_id", uploadID, "attachment_id", a.ID, "state", model.SessionCompleted)
	return a, nil
}

// Abort frees a session in any state. Unknown sessions are not an error.
func (m *Manager) Abort(ctx context.Context, uploadID string) error {
	if err := validID(uploadID); err != nil {
		return err
	}
	unlock := m.locks.Lock(uploadID)
	defer unlock()
	m.discard(ctx, uploadID)
	m.log.Info("upload session aborted", "upload_id", uploadID, "state", model.SessionAborted)
	return nil
}

// Status returns a snapshot of a session.
func (m *Manager) Status(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	if err := validID(uploadID); err != nil {
		return nil, err
	}
	return m.load(ctx, uploadID)
}

func (m *Manager) load(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	s, err := m.sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, apperr.New(apperr.NotFound, "upload session not found")
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.State != model.SessionReceiving {
		return nil, apperr.New(apperr.NotFound, "upload session not found")
	}
	return s, nil
}

func (m *Manager) discard(ctx context.Context, uploadID string) {
	if err := os.Remove(m.dataPath(uploadID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.log.Warn("remove upload data", "upload_id", uploadID, "err", err)
	}
	if err := m.sessions.Delete(ctx, uploadID); err != nil {
		m.log.Warn("remove upload session", "upload_id", uploadID, "err", err)
	}
}

// Sweep aborts sessions idle for longer than the session TTL and removes
// data files that no session owns. It returns how many items it removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.ttl)
	sessions, err := m.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	removed := 0
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if !s.UpdatedAt.Before(cutoff) {
			live[s.UploadID] = true
			continue
		}
		if m.sweepOne(ctx, s.UploadID, cutoff) {
			removed++
		} else {
			live[s.UploadID] = true
		}
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return removed, fmt.Errorf("read upload dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".bin") || strings.HasSuffix(name, ".tmp")) {
			continue
		}
		id := strings.SplitN(name, ".", 2)[0]
		if live[id] {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.log.Info("swept abandoned uploads", "removed", removed)
	}
	return removed, nil
}

// sweepOne re-checks a session under its lock so an append racing the sweep
// keeps its session.
func (m *Manager) sweepOne(ctx context.Context, uploadID string, cutoff time.Time) bool {
	if validID(uploadID) != nil {
		return false
	}
	unlock := m.locks.Lock(uploadID)
	defer unlock()
	s, err := m.sessions.Get(ctx, uploadID)
	if err != nil {
		return errors.Is(err, ErrSessionNotFound)
	}
	if !s.UpdatedAt.Before(cutoff) {
		return false
	}
	m.discard(ctx, uploadID)
	return true
}
