package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/attachvault/internal/model"
)

// ErrSessionNotFound is returned by SessionStore implementations for unknown IDs.
var ErrSessionNotFound = errors.New("upload session not found")

// SessionStore persists upload session state across process restarts.
type SessionStore interface {
	Get(ctx context.Context, uploadID string) (*model.UploadSession, error)
	Put(ctx context.Context, s *model.UploadSession) error
	// Delete removes a session. Unknown IDs are not an error.
	Delete(ctx context.Context, uploadID string) error
	List(ctx context.Context) ([]*model.UploadSession, error)
}

// FileSessionStore keeps one JSON document per session in dir.
type FileSessionStore struct {
	dir string
}

// NewFileSessionStore creates dir if needed.
func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileSessionStore{dir: dir}, nil
}

func (f *FileSessionStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// Get loads a session.
func (f *FileSessionStore) Get(_ context.Context, uploadID string) (*model.UploadSession, error) {
	data, err := os.ReadFile(f.path(uploadID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s model.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", uploadID, err)
	}
	return &s, nil
}

// Put writes a session atomically.
func (f *FileSessionStore) Put(_ context.Context, s *model.UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, s.UploadID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create session temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(s.UploadID)); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// Delete removes a session file.
func (f *FileSessionStore) Delete(_ context.Context, uploadID string) error {
	if err := os.Remove(f.path(uploadID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// List returns every readable session. Corrupt files are skipped.
func (f *FileSessionStore) List(ctx context.Context) ([]*model.UploadSession, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*model.UploadSession
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := f.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// RedisSessionStore keeps sessions as JSON values in Redis.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSessionStore builds a store whose keys expire after ttl of
// inactivity.
func NewRedisSessionStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionStore {
	if prefix == "" {
		prefix = "attachvault:upload:"
	}
	return &RedisSessionStore{client: client, prefix: prefix, ttl: ttl}
}

// Get loads a session.
func (r *RedisSessionStore) Get(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	data, err := r.client.Get(ctx, r.prefix+uploadID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var s model.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", uploadID, err)
	}
	return &s, nil
}

// Put stores a session and refreshes its expiry.
func (r *RedisSessionStore) Put(ctx context.Context, s *model.UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+s.UploadID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// Delete removes a session.
func (r *RedisSessionStore) Delete(ctx context.Context, uploadID string) error {
	if err := r.client.Del(ctx, r.prefix+uploadID).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}

// List scans every session key.
func (r *RedisSessionStore) List(ctx context.Context) ([]*model.UploadSession, error) {
	var out []*model.UploadSession
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), r.prefix)
		s, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan sessions: %w", err)
	}
	return out, nil
}
