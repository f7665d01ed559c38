// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"golang.org/x/time/rate"
	"io"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting Backend

// RateLimited wraps a Backend so that uploads and downloads stay under
// the given number of bytes per second. A limit of zero means unlimited.
type RateLimited struct {
	Backend
	up, down *rate.Limiter
}

func NewRateLimited(b Backend, uploadBytesPerSecond, downloadBytesPerSecond int) *RateLimited {
	return &RateLimited{
		Backend: b,
		up:      newLimiter(uploadBytesPerSecond),
		down:    newLimiter(downloadBytesPerSecond),
	}
}

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	// The 94/100 factor adds some slop to account for TCP/IP overhead
	// and HTTP headers in an effort to have the actual bandwidth used not
	// exceed the desired limit. Don't ever queue up more than one
	// second's worth of transmission.
	limit := bytesPerSecond * 94 / 100
	if limit < 1 {
		limit = 1
	}
	return rate.NewLimiter(rate.Limit(limit), limit)
}

func (r *RateLimited) Put(ctx context.Context, name string, rd io.Reader) error {
	if r.up != nil {
		rd = &limitedReader{ctx: ctx, r: rd, lim: r.up}
	}
	return r.Backend.Put(ctx, name, rd)
}

func (r *RateLimited) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := r.Backend.Get(ctx, name)
	if err != nil || r.down == nil {
		return rc, err
	}
	return limitedReadCloser{&limitedReader{ctx: ctx, r: rc, lim: r.down}, rc}, nil
}

func (r *RateLimited) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	b, err := r.Backend.GetRange(ctx, name, offset, length)
	if err != nil || r.down == nil {
		return b, err
	}
	// The data is already here, but charge for it before handing it
	// back so that the aggregate rate is respected.
	if err := waitN(ctx, r.down, len(b)); err != nil {
		return nil, permanent(err, name)
	}
	return b, nil
}

func waitN(ctx context.Context, lim *rate.Limiter, n int) error {
	for n > 0 {
		c := n
		if c > lim.Burst() {
			c = lim.Burst()
		}
		if err := lim.WaitN(ctx, c); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

// limitedReader is an io.Reader implementation that returns no more
// bytes than the limiter currently allows.
type limitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (lr *limitedReader) Read(dst []byte) (int, error) {
	// Don't do more than we're allowed to at once...
	if len(dst) > lr.lim.Burst() {
		dst = dst[:lr.lim.Burst()]
	}
	n, err := lr.r.Read(dst)
	if n > 0 {
		if werr := lr.lim.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}
