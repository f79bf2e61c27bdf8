package upload

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// progressReader counts bytes handed to the remote store and reports the
// fraction transferred, at most once per limiter token. The final 1.0 is left
// to the caller once the store confirms the write.
type progressReader struct {
	ctx     context.Context
	r       io.Reader
	total   int64
	read    int64
	limiter *rate.Limiter
	clock   Clock
	report  func(float64)
}

func newProgressReader(ctx context.Context, r io.Reader, total int64, limiter *rate.Limiter, clock Clock, report func(float64)) *progressReader {
	return &progressReader{ctx: ctx, r: r, total: total, limiter: limiter, clock: clock, report: report}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		if p.total > 0 && p.read < p.total && p.limiter.AllowN(p.clock.Now(), 1) {
			p.report(float64(p.read) / float64(p.total))
		}
	}
	return n, err
}

// ctxReader aborts a read loop once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(buf []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(buf)
}
