// storage/retry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"io"
	"time"
)

// RetryConfig bounds how hard a Retrying backend tries before giving up
// on a transient error.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// Retrying wraps a Backend so that operations failing with an error
// marked ErrTransient are retried with exponential backoff. Not-found
// and permanent errors are returned immediately.
type Retrying struct {
	Backend
	config RetryConfig
}

func NewRetrying(b Backend, config RetryConfig) *Retrying {
	return &Retrying{Backend: b, config: config}
}

func (r *Retrying) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.config.InitialInterval
	exp.MaxInterval = r.config.MaxInterval
	exp.MaxElapsedTime = r.config.MaxElapsedTime
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	return backoff.WithContext(backoff.WithMaxRetries(exp, r.config.MaxRetries), ctx)
}

func (r *Retrying) retry(ctx context.Context, name string, op func() error) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, r.newBackOff(ctx), func(err error, d time.Duration) {
		log.Warning("%s: retrying in %s: %s", name, d, err)
	})
	if err != nil && IsTransient(err) {
		return errors.Wrapf(err, "giving up after %d attempts", attempts)
	}
	return err
}

func (r *Retrying) Put(ctx context.Context, name string, rd io.Reader) error {
	seeker, canRewind := rd.(io.Seeker)
	first := true
	return r.retry(ctx, name, func() error {
		if !first {
			if !canRewind {
				// The reader has been partially consumed and there's no
				// way to start over.
				return permanent(errors.New("can't retry put of unseekable stream"), name)
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return permanent(err, name)
			}
		}
		first = false
		return r.Backend.Put(ctx, name, rd)
	})
}

func (r *Retrying) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.retry(ctx, name, func() error {
		var err error
		rc, err = r.Backend.Get(ctx, name)
		return err
	})
	return rc, err
}

func (r *Retrying) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	var b []byte
	err := r.retry(ctx, name, func() error {
		var err error
		b, err = r.Backend.GetRange(ctx, name, offset, length)
		return err
	})
	return b, err
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := r.retry(ctx, prefix, func() error {
		var err error
		names, err = r.Backend.List(ctx, prefix)
		return err
	})
	return names, err
}

func (r *Retrying) Delete(ctx context.Context, name string) error {
	return r.retry(ctx, name, func() error {
		return r.Backend.Delete(ctx, name)
	})
}
