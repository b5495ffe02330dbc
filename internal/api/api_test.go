package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/attachvault/internal/auth"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/contentstore"
	"github.com/dharsanguruparan/attachvault/internal/metrics"
	"github.com/dharsanguruparan/attachvault/internal/model"
	"github.com/dharsanguruparan/attachvault/internal/signing"
	"github.com/dharsanguruparan/attachvault/internal/storage"
	"github.com/dharsanguruparan/attachvault/internal/stream"
	"github.com/dharsanguruparan/attachvault/internal/thumbnail"
	"github.com/dharsanguruparan/attachvault/internal/uploads"
)

type fixture struct {
	srv     *Server
	cfg     *config.Config
	content *contentstore.Store
	signer  *signing.Signer
	tokens  *auth.Tokens
	token   string
}

func newFixture(t *testing.T, jwtSecret string, opts ...func(*Deps)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.TmpDir = t.TempDir()
	cfg.RangeEnabled = true
	cfg.PublicBaseURL = "http://files.test"
	content := contentstore.New(cfg, storage.NewMemoryStore())
	sessions, err := uploads.NewFileSessionStore(cfg.SessionDir())
	require.NoError(t, err)
	mgr, err := uploads.NewManager(cfg, sessions, content)
	require.NoError(t, err)
	thumbs, err := thumbnail.New(content, cfg.ThumbDir(), 16)
	require.NoError(t, err)

	f := &fixture{
		cfg:     cfg,
		content: content,
		signer:  signing.NewSigner([]byte("sign-secret")),
		tokens:  auth.NewTokens([]byte(jwtSecret)),
	}
	d := Deps{
		Config:  cfg,
		Content: content,
		Uploads: mgr,
		Stream:  stream.New(content, cfg.RangeEnabled),
		Thumbs:  thumbs,
		Signer:  f.signer,
		Tokens:  f.tokens,
	}
	for _, opt := range opts {
		opt(&d)
	}
	f.srv = New(d)
	if f.tokens.Enabled() {
		f.token, err = f.tokens.GenerateToken("user-1", time.Hour)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) uploadText(t *testing.T, name, content string) *model.Attachment {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/attachments/document", strings.NewReader(content), map[string]string{
		"Content-Type":  "text/plain",
		headerFileName: name,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var a model.Attachment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return &a
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type filePart struct {
	name, contentType string
	data              []byte
}

func multipartBody(t *testing.T, parts ...filePart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("note", "ignored"))
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+p.name+`"`)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestUnknownRouteUsesErrorShape(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error)
}

func TestRawUploadAndStream(t *testing.T) {
	f := newFixture(t, "")
	a := f.uploadText(t, "notes.txt", "hello world")
	assert.Equal(t, int64(11), a.Size)
	assert.Equal(t, config.CategoryDocument, a.Category)

	rec := f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
	assert.Equal(t, `"`+a.Hash+`"`, rec.Header().Get("ETag"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "private, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, `inline; filename="notes.txt"; filename*=UTF-8''notes.txt`, rec.Header().Get("Content-Disposition"))

	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, map[string]string{"Range": "bytes=0-4"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "bytes 0-4/11", rec.Header().Get("Content-Range"))

	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, map[string]string{"Range": "bytes=50-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */11", rec.Header().Get("Content-Range"))
	assert.Equal(t, "range_not_satisfiable", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, map[string]string{"If-None-Match": `"` + a.Hash + `"`})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = f.do(t, http.MethodHead, "/attachments/"+a.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestRawUploadRejects(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPost, "/attachments/document", strings.NewReader("x"), map[string]string{
		"Content-Type":  "text/plain",
		headerFileName: "payload.exe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_type", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodPost, "/attachments/music", strings.NewReader("x"), map[string]string{
		"Content-Type":  "audio/mpeg",
		headerFileName: "song.mp3",
	})
	assert.Equal(t, "unsupported_type", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodPost, "/attachments/document", strings.NewReader("x"), map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, "invalid_parameter", decodeError(t, rec).Error)

	f.cfg.Categories[config.CategoryDocument] = func() config.CategoryRules {
		r := f.cfg.Categories[config.CategoryDocument]
		r.MaxSize = 4
		return r
	}()
	rec = f.do(t, http.MethodPost, "/attachments/document?name=big.txt", strings.NewReader("too big"), map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "too_large", decodeError(t, rec).Error)
}

func TestMultipartUpload(t *testing.T) {
	f := newFixture(t, "")
	body, ct := multipartBody(t,
		filePart{name: "a.png", data: pngBytes(t, 8, 8)},
		filePart{name: "b.png", contentType: "image/png", data: pngBytes(t, 9, 9)},
	)
	rec := f.do(t, http.MethodPost, "/attachments/image", body, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Items []model.Attachment `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Items, 2)
	assert.Equal(t, "image/png", out.Items[0].MimeType)
	assert.Equal(t, "b.png", out.Items[1].OriginalName)

	body, ct = multipartBody(t,
		filePart{name: "a.txt", contentType: "text/plain", data: []byte("one")},
		filePart{name: "b.txt", contentType: "text/plain", data: []byte("two")},
	)
	rec = f.do(t, http.MethodPost, "/attachments/document", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_parameter", decodeError(t, rec).Error)

	body, ct = multipartBody(t)
	rec = f.do(t, http.MethodPost, "/attachments/document", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThumbnailEndpoint(t *testing.T) {
	f := newFixture(t, "")
	body, ct := multipartBody(t, filePart{name: "pic.png", contentType: "image/png", data: pngBytes(t, 64, 48)})
	rec := f.do(t, http.MethodPost, "/attachments/image", body, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Items []model.Attachment `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	id := out.Items[0].ID

	target := "/attachments/" + id + "/thumbnail?w=32&h=32&format=png"
	rec = f.do(t, http.MethodGet, target, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	cfg, err := png.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
	assert.Equal(t, 32, cfg.Height)

	rec = f.do(t, http.MethodGet, target, nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Equal(t, etag, rec.Header().Get("ETag"))

	rec = f.do(t, http.MethodGet, target, nil, nil)
	lastModified := rec.Header().Get("Last-Modified")
	require.NotEmpty(t, lastModified)
	rec = f.do(t, http.MethodGet, target, nil, map[string]string{"If-None-Match": `"stale"`, "If-Modified-Since": lastModified})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	rec = f.do(t, http.MethodGet, target, nil, map[string]string{"If-Modified-Since": "Mon, 01 Jan 2001 00:00:00 GMT"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/attachments/"+id+"/thumbnail?w=5", nil, nil)
	assert.Equal(t, "invalid_parameter", decodeError(t, rec).Error)

	doc := f.uploadText(t, "notes.txt", "not an image")
	rec = f.do(t, http.MethodGet, "/attachments/"+doc.ID+"/thumbnail", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_type", decodeError(t, rec).Error)
}

func TestMetadataListSearchStats(t *testing.T) {
	f := newFixture(t, "")
	a := f.uploadText(t, "Quarterly Report.txt", "q1")
	f.uploadText(t, "minutes.txt", "m")

	rec := f.do(t, http.MethodPatch, "/attachments/"+a.ID+"/meta",
		strings.NewReader(`{"originalName":"  Annual Report.txt ","description":"final"}`),
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var patched model.Attachment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patched))
	assert.Equal(t, "Annual Report.txt", patched.OriginalName)
	assert.Equal(t, "final", patched.Description)

	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID+"/meta", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/attachments?category=document&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page model.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.True(t, page.HasNext)
	assert.Len(t, page.Items, 1)

	rec = f.do(t, http.MethodGet, "/attachments?page=x", nil, nil)
	assert.Equal(t, "invalid_parameter", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodGet, "/attachments/search?q=annual", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), a.ID)

	rec = f.do(t, http.MethodGet, "/attachments/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"category":"document","count":2`)

	rec = f.do(t, http.MethodGet, "/attachments/config", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"maxFiles":10`)
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	a := f.uploadText(t, "notes.txt", "bye")
	for n := 0; n < 2; n++ {
		rec := f.do(t, http.MethodDelete, "/attachments/"+a.ID, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error)
}

type fakeRestorer struct {
	content *contentstore.Store
	data    []byte
	calls   int
}

func (r *fakeRestorer) Restore(ctx context.Context, id string) error {
	r.calls++
	a, err := r.content.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.content.RestoreFile(ctx, a, bytes.NewReader(r.data))
}

func TestMissingFileIsNotFoundUnlessRestored(t *testing.T) {
	f := newFixture(t, "")
	a := f.uploadText(t, "notes.txt", "precious")
	require.NoError(t, os.Remove(f.content.FilePath(a)))

	rec := f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "not_found", body.Error)
	assert.NotContains(t, body.Message, f.cfg.BaseDir)

	restorer := &fakeRestorer{data: []byte("precious")}
	g := newFixture(t, "", func(d *Deps) {
		restorer.content = d.Content
		d.Restorer = restorer
	})
	b := g.uploadText(t, "notes.txt", "precious")
	require.NoError(t, os.Remove(g.content.FilePath(b)))
	rec = g.do(t, http.MethodGet, "/attachments/"+b.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "precious", rec.Body.String())
	assert.Equal(t, 1, restorer.calls)
}

func TestSessionAuth(t *testing.T) {
	f := newFixture(t, "jwt-secret")
	a := f.uploadText(t, "notes.txt", "guarded")
	token := f.token

	f.token = ""
	rec := f.do(t, http.MethodGet, "/attachments", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, map[string]string{headerToken: token})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignedURLAccess(t *testing.T) {
	f := newFixture(t, "jwt-secret")
	a := f.uploadText(t, "notes.txt", "shared")
	other := f.uploadText(t, "other.txt", "private")

	rec := f.do(t, http.MethodPost, "/attachments/"+a.ID+"/signed-url?ttl=60", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var signed signedURLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	assert.True(t, strings.HasPrefix(signed.URL, "http://files.test/attachments/"+a.ID+"?"))
	assert.InDelta(t, time.Now().Add(time.Minute).Unix(), signed.Exp, 2)

	u, err := url.Parse(signed.URL)
	require.NoError(t, err)
	f.token = ""

	rec = f.do(t, http.MethodGet, u.RequestURI(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shared", rec.Body.String())

	exp := strconv.FormatInt(signed.Exp, 10)
	for _, target := range []string{
		"/attachments/" + other.ID + "?token=" + signed.Token + "&exp=" + exp,
		"/attachments/" + a.ID + "?token=" + strings.Repeat("0", 64) + "&exp=" + exp,
		"/attachments/" + a.ID + "?token=" + signed.Token + "&exp=" + strconv.FormatInt(signed.Exp+1, 10),
		"/attachments/" + a.ID + "/meta?token=" + signed.Token + "&exp=" + exp,
	} {
		rec = f.do(t, http.MethodGet, target, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}

	past := time.Now().Add(-time.Minute).Unix()
	stale := f.signer.Sign(a.ID, past)
	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID+"?token="+stale+"&exp="+strconv.FormatInt(past, 10), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID+"/thumbnail?token="+signed.Token+"&exp="+exp, nil, nil)
	assert.Equal(t, "unsupported_type", decodeError(t, rec).Error)
}

func TestResumableUploadFlow(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPost, "/uploads",
		strings.NewReader(`{"category":"document","originalName":"big.txt","mimeType":"text/plain","size":10}`),
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess model.UploadSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	base := "/uploads/" + sess.UploadID

	rec = f.do(t, http.MethodPut, base+"?offset=0", strings.NewReader("hello"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, base+"?offset=3", strings.NewReader("xx"), nil)
	assert.Equal(t, "invalid_offset", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodPut, base+"?offset=5", strings.NewReader("world!"), nil)
	assert.Equal(t, "overflow", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodPost, base+"/complete", nil, nil)
	assert.Equal(t, "incomplete", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodPut, base+"?offset=5", strings.NewReader("world"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, base, nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, int64(10), sess.BytesReceived)

	rec = f.do(t, http.MethodPost, base+"/complete", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var a model.Attachment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))

	rec = f.do(t, http.MethodGet, "/attachments/"+a.ID, nil, nil)
	assert.Equal(t, "helloworld", rec.Body.String())

	rec = f.do(t, http.MethodGet, base, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/uploads/../../etc/abort", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, base+"?offset=abc", strings.NewReader("x"), nil)
	assert.Equal(t, "invalid_parameter", decodeError(t, rec).Error)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := metrics.NewPrometheusObserver("attachvault_test", reg)
	require.NoError(t, err)
	f := newFixture(t, "", func(d *Deps) {
		d.Metrics = obs
		d.Gatherer = reg
	})
	f.do(t, http.MethodGet, "/healthz", nil, nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "attachvault_test_")
}

func TestParseTTLClampsHugeSeconds(t *testing.T) {
	for _, v := range []string{"9300000000", "9223372036854775807", "1000000000000"} {
		d, err := parseTTL(v)
		require.NoError(t, err)
		assert.Equal(t, signing.MaxTTL, d, v)
	}
	d, err := parseTTL("90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	d, err = parseTTL("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)
	_, err = parseTTL("soon")
	assert.Error(t, err)
}
