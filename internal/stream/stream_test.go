package stream

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

type fakeResolver struct {
	a    *model.Attachment
	path string
	err  error
}

func (f *fakeResolver) Resolve(context.Context, string) (*model.Attachment, string, error) {
	return f.a, f.path, f.err
}

// spyFS counts opens so tests can prove a response never touched the bytes.
type spyFS struct {
	OSFileSystem
	opens  atomic.Int32
	closes atomic.Int32
}

type countingFile struct {
	*os.File
	fs *spyFS
}

func (c *countingFile) Close() error {
	c.fs.closes.Add(1)
	return c.File.Close()
}

func (s *spyFS) Open(path string) (File, error) {
	s.opens.Add(1)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &countingFile{File: f, fs: s}, nil
}

func (s *spyFS) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

const payload = "0123456789abcdefghij"

func setup(t *testing.T, rangeEnabled bool) (*Server, *spyFS, time.Time) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	a := &model.Attachment{ID: "a1", Hash: "cafebabe", MimeType: "text/plain", OriginalName: "notes.txt", Size: int64(len(payload)), Status: model.StatusActive}
	spy := &spyFS{}
	return New(&fakeResolver{a: a, path: path}, rangeEnabled, WithFileSystem(spy)), spy, mtime
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	require.NotNil(t, resp.Body)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestServeFullFile(t *testing.T) {
	srv, spy, mtime := setup(t, true)
	resp, err := srv.Serve(context.Background(), "a1", Request{Method: http.MethodGet})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `"cafebabe"`, resp.ETag)
	assert.Equal(t, mtime, resp.LastModified)
	assert.Equal(t, payload, readBody(t, resp))
	assert.Equal(t, int32(1), spy.closes.Load())
}

func TestServeFullRangeEqualsFile(t *testing.T) {
	srv, _, _ := setup(t, true)
	n := int64(len(payload))
	resp, err := srv.Serve(context.Background(), "a1", Request{Method: http.MethodGet, Range: "bytes=0-19"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.Status)
	assert.Equal(t, int64(0), resp.Start)
	assert.Equal(t, n-1, resp.End)
	assert.Equal(t, n, resp.Total)
	assert.Equal(t, payload, readBody(t, resp))

	h := http.Header{}
	WriteHeaders(h, resp, HeaderOptions{CacheTTL: time.Hour, RangeEnabled: true})
	assert.Equal(t, "bytes 0-19/20", h.Get("Content-Range"))
	assert.Equal(t, "20", h.Get("Content-Length"))
}

func TestServePartialRanges(t *testing.T) {
	srv, _, _ := setup(t, true)
	resp, err := srv.Serve(context.Background(), "a1", Request{Method: http.MethodGet, Range: "bytes=5-9"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.Length)
	assert.Equal(t, "56789", readBody(t, resp))

	resp, err = srv.Serve(context.Background(), "a1", Request{Method: http.MethodGet, Range: "bytes=15-"})
	require.NoError(t, err)
	assert.Equal(t, int64(19), resp.End)
	assert.Equal(t, "fghij", readBody(t, resp))
}

func TestServeUnsatisfiableRanges(t *testing.T) {
	srv, spy, _ := setup(t, true)
	for _, r := range []string{"bytes=20-", "bytes=9-5", "bytes=0-20", "bytes=-5", "bytes=0-1,4-5", "items=0-1", "bytes=abc-"} {
		resp, err := srv.Serve(context.Background(), "a1", Request{Method: http.MethodGet, Range: r})
		assert.True(t, apperr.IsKind(err, apperr.RangeNotSatisfiable), r)
		require.NotNil(t, resp, r)
		assert.Equal(t, "bytes */20", UnsatisfiableRange(resp.Total))
	}
	assert.Zero(t, spy.opens.Load())
}

func TestRangeIgnoredWhenDisabled(t *testing.T) {
	srv, _, _ := setup(t, false)
	resp, err := srv.Serve(context.Background(), "a1", Request{Method: http.MethodGet, Range: "bytes=9-5"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, payload, readBody(t, resp))

	h := http.Header{}
	WriteHeaders(h, resp, HeaderOptions{CacheTTL: time.Hour})
	assert.Empty(t, h.Get("Accept-Ranges"))
}

func TestConditionalShortCircuit(t *testing.T) {
	srv, spy, mtime := setup(t, true)
	ctx := context.Background()
	cases := []Request{
		{Method: http.MethodGet, IfNoneMatch: `"cafebabe"`},
		{Method: http.MethodGet, IfNoneMatch: `W/"cafebabe"`},
		{Method: http.MethodGet, IfNoneMatch: `"other", "cafebabe"`},
		{Method: http.MethodGet, IfNoneMatch: `*`},
		{Method: http.MethodGet, IfNoneMatch: `"cafebabe"`, Range: "bytes=0-1"},
		{Method: http.MethodGet, IfModifiedSince: mtime.Format(http.TimeFormat)},
		{Method: http.MethodGet, IfModifiedSince: mtime.Add(time.Hour).Format(http.TimeFormat)},
	}
	for _, req := range cases {
		resp, err := srv.Serve(ctx, "a1", req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotModified, resp.Status)
		assert.Nil(t, resp.Body)
	}
	assert.Zero(t, spy.opens.Load())
}

func TestConditionalMisses(t *testing.T) {
	srv, _, mtime := setup(t, true)
	ctx := context.Background()
	for _, req := range []Request{
		{Method: http.MethodGet, IfNoneMatch: `"stale"`},
		{Method: http.MethodGet, IfNoneMatch: `"stale"`, IfModifiedSince: mtime.Add(-time.Hour).Format(http.TimeFormat)},
		{Method: http.MethodGet, IfModifiedSince: mtime.Add(-time.Hour).Format(http.TimeFormat)},
		{Method: http.MethodGet, IfModifiedSince: "yesterday"},
	} {
		resp, err := srv.Serve(ctx, "a1", req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		resp.Body.Close()
	}
}

func TestStaleEntityTagFallsBackToDate(t *testing.T) {
	srv, spy, mtime := setup(t, true)
	resp, err := srv.Serve(context.Background(), "a1", Request{
		Method:          http.MethodGet,
		IfNoneMatch:     `"stale"`,
		IfModifiedSince: mtime.Format(http.TimeFormat),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.Status)
	assert.Nil(t, resp.Body)
	assert.Zero(t, spy.opens.Load())
}

func TestHeadNeverOpens(t *testing.T) {
	srv, spy, _ := setup(t, true)
	resp, err := srv.Serve(context.Background(), "a1", Request{Method: http.MethodHead, Range: "bytes=2-3"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.Status)
	assert.Nil(t, resp.Body)
	assert.Zero(t, spy.opens.Load())
}

func TestServePropagatesResolveErrors(t *testing.T) {
	srv := New(&fakeResolver{err: apperr.New(apperr.NotFound, "nope")}, true)
	_, err := srv.Serve(context.Background(), "x", Request{Method: http.MethodGet})
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestServeDetectsVanishedFile(t *testing.T) {
	a := &model.Attachment{ID: "a1", Hash: "h", Status: model.StatusActive}
	srv := New(&fakeResolver{a: a, path: filepath.Join(t.TempDir(), "gone")}, true)
	_, err := srv.Serve(context.Background(), "a1", Request{Method: http.MethodGet})
	assert.True(t, apperr.IsKind(err, apperr.FileMissing))
}

func TestWriteHeaders(t *testing.T) {
	srv, _, _ := setup(t, true)
	resp, err := srv.Serve(context.Background(), "a1", Request{Method: http.MethodHead})
	require.NoError(t, err)
	h := http.Header{}
	WriteHeaders(h, resp, HeaderOptions{CacheTTL: time.Hour, RangeEnabled: true})
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
	assert.Equal(t, "private, max-age=3600", h.Get("Cache-Control"))
	assert.Equal(t, "bytes", h.Get("Accept-Ranges"))
	assert.Equal(t, `"cafebabe"`, h.Get("ETag"))
	assert.Equal(t, "Fri, 01 Mar 2024 10:00:00 GMT", h.Get("Last-Modified"))
	assert.Equal(t, `inline; filename="notes.txt"; filename*=UTF-8''notes.txt`, h.Get("Content-Disposition"))
	assert.Empty(t, h.Get("Content-Range"))
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":                  "report.pdf",
		"evil\"\r\nSet-Cookie: x.txt": "evilSet-Cookie: x.txt",
		"<script>|&.png":              "script.png",
		"\x00\x1f\x7f":                "unnamed",
		"   ":                         "unnamed",
		"  spaced name.txt ":          "spaced name.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}

func TestContentDispositionNonASCII(t *testing.T) {
	got := ContentDisposition("résumé 2024.pdf")
	assert.Equal(t, `inline; filename="r_sum_ 2024.pdf"; filename*=UTF-8''r%C3%A9sum%C3%A9%202024.pdf`, got)
	assert.False(t, strings.ContainsAny(got, "\r\n"))
}

func TestParseRange(t *testing.T) {
	start, end, err := ParseRange("bytes=0-0", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(0), end)

	_, _, err = ParseRange("bytes=0-", 0)
	assert.True(t, apperr.IsKind(err, apperr.RangeNotSatisfiable))

	_, _, err = ParseRange("bytes=99999999999999999999-", 10)
	assert.True(t, apperr.IsKind(err, apperr.RangeNotSatisfiable))
}
