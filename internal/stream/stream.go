// Package stream serves attachment bytes with Range and conditional request
// semantics. It decides status codes and byte windows; writing them onto an
// HTTP response is left to the caller via WriteHeaders.
package stream

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/metrics"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

var rangePattern = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

// Resolver locates an active attachment and its bytes.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*model.Attachment, string, error)
}

// File is what the server needs from an opened attachment file.
type File interface {
	io.ReaderAt
	io.Closer
}

// FileSystem opens and stats attachment files.
type FileSystem interface {
	Stat(path string) (fs.FileInfo, error)
	Open(path string) (File, error)
}

// OSFileSystem is the FileSystem backed by the local disk.
type OSFileSystem struct{}

// Stat calls os.Stat.
func (OSFileSystem) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

// Open calls os.Open.
func (OSFileSystem) Open(path string) (File, error) { return os.Open(path) }

// Request carries the headers that influence a response.
type Request struct {
	Method          string
	Range           string
	IfNoneMatch     string
	IfModifiedSince string
}

// Response describes what to send. Body is nil for 304 and HEAD responses;
// the caller must Close it when non-nil.
type Response struct {
	Status       int
	Body         io.ReadCloser
	Attachment   *model.Attachment
	ETag         string
	LastModified time.Time
	Start        int64
	End          int64
	Total        int64
	Length       int64
}

// Server decides responses for attachment reads.
type Server struct {
	content      Resolver
	fs           FileSystem
	rangeEnabled bool
	metrics      metrics.Observer
}

// Option customizes a Server.
type Option func(*Server)

// WithFileSystem replaces the OS file system.
func WithFileSystem(fsys FileSystem) Option {
	return func(s *Server) { s.fs = fsys }
}

// WithMetrics sets the metrics observer.
func WithMetrics(m metrics.Observer) Option {
	return func(s *Server) { s.metrics = m }
}

// New constructs a Server.
func New(content Resolver, rangeEnabled bool, opts ...Option) *Server {
	s := &Server{
		content:      content,
		fs:           OSFileSystem{},
		rangeEnabled: rangeEnabled,
		metrics:      metrics.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RangeEnabled reports whether Range requests are honored.
func (s *Server) RangeEnabled() bool { return s.rangeEnabled }

// Serve resolves id and decides between 200, 206 and 304. A 304 never opens
// the file; neither does a HEAD request. A RangeNotSatisfiable error comes
// with a Response whose Total is set, for the Content-Range of the 416.
func (s *Server) Serve(ctx context.Context, id string, req Request) (*Response, error) {
	resp, err := s.serve(ctx, id, req)
	if err != nil {
		s.metrics.ObserveStream(apperr.HTTPStatus(apperr.KindOf(err)))
		if apperr.IsKind(err, apperr.RangeNotSatisfiable) {
			return resp, err
		}
		return nil, err
	}
	s.metrics.ObserveStream(resp.Status)
	return resp, nil
}

func (s *Server) serve(ctx context.Context, id string, req Request) (*Response, error) {
	a, path, err := s.content.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	info, err := s.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.FileMissing, "attachment %s has no bytes on disk", a.ID)
		}
		return nil, err
	}
	size := info.Size()
	resp := &Response{
		Attachment:   a,
		ETag:         `"` + a.Hash + `"`,
		LastModified: info.ModTime().UTC().Truncate(time.Second),
		Total:        size,
	}
	if NotModified(req, resp.ETag, resp.LastModified) {
		resp.Status = http.StatusNotModified
		return resp, nil
	}

	resp.Status = http.StatusOK
	resp.Start, resp.End, resp.Length = 0, size-1, size
	if s.rangeEnabled && req.Range != "" {
		start, end, err := ParseRange(req.Range, size)
		if err != nil {
			resp.Status, resp.Length = http.StatusRequestedRangeNotSatisfiable, 0
			return resp, err
		}
		resp.Status = http.StatusPartialContent
		resp.Start, resp.End, resp.Length = start, end, end-start+1
	}
	if req.Method == http.MethodHead {
		return resp, nil
	}
	f, err := s.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.FileMissing, "attachment %s has no bytes on disk", a.ID)
		}
		return nil, err
	}
	resp.Body = &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, resp.Start, resp.Length),
		closer:        f,
	}
	return resp, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error { return s.closer.Close() }

// ParseRange parses a single "bytes=start-end" or "bytes=start-" range
// against a resource of size bytes.
func ParseRange(header string, size int64) (int64, int64, error) {
	m := rangePattern.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return 0, 0, apperr.New(apperr.RangeNotSatisfiable, "unsupported range %q", header)
	}
	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, apperr.New(apperr.RangeNotSatisfiable, "invalid range start")
	}
	end := size - 1
	if m[2] != "" {
		end, err = strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return 0, 0, apperr.New(apperr.RangeNotSatisfiable, "invalid range end")
		}
	}
	if start >= size || end < start || end >= size {
		return 0, 0, apperr.New(apperr.RangeNotSatisfiable, "range %d-%d outside 0-%d", start, end, size-1)
	}
	return start, end, nil
}

// NotModified reports a 304 when If-None-Match names etag or
// If-Modified-Since is at or after lastModified.
func NotModified(req Request, etag string, lastModified time.Time) bool {
	if inm := strings.TrimSpace(req.IfNoneMatch); inm != "" && ETagMatches(inm, etag) {
		return true
	}
	if ims := strings.TrimSpace(req.IfModifiedSince); ims != "" && !lastModified.IsZero() {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !lastModified.After(t)
	}
	return false
}

// ETagMatches reports whether an If-None-Match header names etag. Weak
// validators and bare values compare by opaque tag.
func ETagMatches(header, etag string) bool {
	want := strings.Trim(etag, `"`)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if strings.Trim(candidate, `"`) == want {
			return true
		}
	}
	return false
}
