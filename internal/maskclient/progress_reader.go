package maskclient

import (
	"io"

	"github.com/example/pii-masker/internal/masker"
)

// progressReader reports cumulative bytes handed to the transport.
type progressReader struct {
	r      io.Reader
	total  int64
	loaded int64
	fn     masker.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		if p.fn != nil {
			p.fn(p.loaded, p.total)
		}
	}
	return n, err
}
