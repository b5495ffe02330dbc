package stream

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// HeaderOptions carries configuration that shapes response headers.
type HeaderOptions struct {
	CacheTTL     time.Duration
	RangeEnabled bool
}

// WriteHeaders sets every derived header for resp on h.
func WriteHeaders(h http.Header, resp *Response, opts HeaderOptions) {
	a := resp.Attachment
	h.Set("ETag", resp.ETag)
	if !resp.LastModified.IsZero() {
		h.Set("Last-Modified", resp.LastModified.UTC().Format(http.TimeFormat))
	}
	h.Set("Cache-Control", CacheControl(opts.CacheTTL))
	if opts.RangeEnabled {
		h.Set("Accept-Ranges", "bytes")
	}
	if resp.Status == http.StatusNotModified {
		return
	}
	if a != nil {
		h.Set("Content-Type", a.MimeType)
		h.Set("Content-Disposition", ContentDisposition(a.OriginalName))
	}
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Length", strconv.FormatInt(resp.Length, 10))
	if resp.Status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", resp.Start, resp.End, resp.Total))
	}
}

// UnsatisfiableRange is the Content-Range value sent with a 416.
func UnsatisfiableRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// CacheControl renders the private cache directive for ttl.
func CacheControl(ttl time.Duration) string {
	return fmt.Sprintf("private, max-age=%d", int64(ttl/time.Second))
}

// SanitizeFilename strips characters that could break out of a header value
// or be misread by clients.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '<', '>', '|', '&', '\\':
			return -1
		}
		if r < 0x20 || r == 0x7f || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}

// ContentDisposition builds an inline disposition with an ASCII fallback and
// an RFC 5987 filename* parameter.
func ContentDisposition(name string) string {
	safe := SanitizeFilename(name)
	fallback := strings.Map(func(r rune) rune {
		if r > 0x7e {
			return '_'
		}
		return r
	}, safe)
	return fmt.Sprintf(`inline; filename="%s"; filename*=UTF-8''%s`, fallback, encodeRFC5987(safe))
}

// encodeRFC5987 percent-encodes everything outside the attr-char set.
func encodeRFC5987(s string) string {
	escaped := url.PathEscape(s)
	// PathEscape leaves a few sub-delims that attr-char does not allow.
	r := strings.NewReplacer("'", "%27", "(", "%28", ")", "%29", "*", "%2A", ",", "%2C", ";", "%3B", "=", "%3D", ":", "%3A", "@", "%40", "+", "%2B", "$", "%24")
	return r.Replace(escaped)
}
