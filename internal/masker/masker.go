package masker

import (
	"context"
	"math"
)

// DefaultContentType is assumed for results the backend does not label.
const DefaultContentType = "image/png"

// Image is a selected input: the raw payload and how to label it.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Empty reports whether there is nothing to upload.
func (i *Image) Empty() bool {
	return i == nil || len(i.Data) == 0
}

// Result is the masked payload returned by the backend.
type Result struct {
	ContentType string
	Data        []byte
}

// ProgressFunc receives upload byte counts. total is zero when unknown.
type ProgressFunc func(loaded, total int64)

// Client exposes the subset of the masking backend used by the upload flow.
type Client interface {
	Mask(ctx context.Context, image *Image, progress ProgressFunc) (*Result, error)
	Health(ctx context.Context) error
}

// Percent converts byte counts to a rounded percentage in [0, 100].
// ok is false when total is unknown and no percentage can be derived.
func Percent(loaded, total int64) (percent int, ok bool) {
	if total <= 0 {
		return 0, false
	}
	p := int(math.Round(float64(loaded) * 100 / float64(total)))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p, true
}
