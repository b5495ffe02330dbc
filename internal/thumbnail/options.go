package thumbnail

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
)

// Fit selects how the source is mapped onto the target box.
type Fit string

// Format selects the output encoding.
type Format string

const (
	FitCover   Fit = "cover"
	FitContain Fit = "contain"

	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"

	minDimension = 16
	maxDimension = 2048
	minQuality   = 20
	maxQuality   = 95
)

// Options describe one derived variant.
type Options struct {
	Width   int
	Height  int
	Quality int
	Fit     Fit
	Format  Format
}

// DefaultOptions is the variant used when a parameter is omitted.
func DefaultOptions() Options {
	return Options{Width: 560, Height: 360, Quality: 75, Fit: FitCover, Format: FormatWebP}
}

// Validate enforces the accepted ranges and enums.
func (o Options) Validate() error {
	if o.Width < minDimension || o.Width > maxDimension {
		return apperr.New(apperr.InvalidParameter, "w must be between %d and %d", minDimension, maxDimension)
	}
	if o.Height < minDimension || o.Height > maxDimension {
		return apperr.New(apperr.InvalidParameter, "h must be between %d and %d", minDimension, maxDimension)
	}
	if o.Quality < minQuality || o.Quality > maxQuality {
		return apperr.New(apperr.InvalidParameter, "q must be between %d and %d", minQuality, maxQuality)
	}
	switch o.Fit {
	case FitCover, FitContain:
	default:
		return apperr.New(apperr.InvalidParameter, "fit must be cover or contain")
	}
	switch o.Format {
	case FormatWebP, FormatJPEG, FormatPNG:
	default:
		return apperr.New(apperr.InvalidParameter, "format must be webp, jpeg or png")
	}
	return nil
}

// ParseOptions reads w, h, q, fit and format through get (typically a query
// lookup), applying defaults for empty values.
func ParseOptions(get func(string) string) (Options, error) {
	o := DefaultOptions()
	var err error
	if o.Width, err = intParam(get, "w", o.Width); err != nil {
		return o, err
	}
	if o.Height, err = intParam(get, "h", o.Height); err != nil {
		return o, err
	}
	if o.Quality, err = intParam(get, "q", o.Quality); err != nil {
		return o, err
	}
	if v := strings.ToLower(strings.TrimSpace(get("fit"))); v != "" {
		o.Fit = Fit(v)
	}
	if v := strings.ToLower(strings.TrimSpace(get("format"))); v != "" {
		if v == "jpg" {
			v = string(FormatJPEG)
		}
		o.Format = Format(v)
	}
	return o, o.Validate()
}

func intParam(get func(string) string, name string, def int) (int, error) {
	v := strings.TrimSpace(get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.New(apperr.InvalidParameter, "%s must be an integer", name)
	}
	return n, nil
}

// cacheKey identifies a variant of the source with the given hash.
func (o Options) cacheKey(hash string) string {
	return fmt.Sprintf("thumb:%s:%dx%d:%s:%s:q%d", hash, o.Width, o.Height, o.Fit, o.Format, o.Quality)
}

func (o Options) extension() string {
	if o.Format == FormatJPEG {
		return "jpg"
	}
	return string(o.Format)
}

func (o Options) contentType() string {
	return "image/" + string(o.Format)
}
