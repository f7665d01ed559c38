// storage/open.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"net/url"
	"strings"
)

// Config describes which Backend to use and how to wrap it. Location is a
// URL: a bare path or file:///path for local disk, s3://bucket/prefix,
// gs://bucket/prefix, or sftp://user@host[:port]/path.
type Config struct {
	Location string

	Parity bool

	S3   S3Options
	GCS  GCSOptions
	SFTP SFTPOptions

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int

	Retry RetryConfig
}

// Open returns the Backend described by config, wrapped for bandwidth
// limiting (if requested) and for retrying transient errors.
func Open(ctx context.Context, config Config) (Backend, error) {
	b, err := openBase(ctx, config)
	if err != nil {
		return nil, err
	}
	if config.MaxUploadBytesPerSecond > 0 || config.MaxDownloadBytesPerSecond > 0 {
		b = NewRateLimited(b, config.MaxUploadBytesPerSecond, config.MaxDownloadBytesPerSecond)
	}
	retry := config.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	return NewRetrying(b, retry), nil
}

func openBase(ctx context.Context, config Config) (Backend, error) {
	loc := config.Location
	if loc == "" {
		return nil, permanent(errors.New("no backend location given"), "config")
	}
	if !strings.Contains(loc, "://") {
		loc = "file://" + loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil, permanent(err, config.Location)
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "file":
		var parity *ParityOptions
		if config.Parity {
			p := DefaultParity
			parity = &p
		}
		// A bare relative path ends up with its first component as the
		// host.
		return NewDisk(afero.NewOsFs(), u.Host+u.Path, parity)
	case "s3":
		opts := config.S3
		opts.Bucket, opts.Prefix = u.Host, prefix
		return NewS3(ctx, opts)
	case "gs":
		opts := config.GCS
		opts.BucketName, opts.Prefix = u.Host, prefix
		return NewGCS(ctx, opts)
	case "sftp":
		opts := config.SFTP
		opts.Endpoint = u.Host
		if u.User != nil {
			opts.Endpoint = u.User.Username() + "@" + u.Host
			if pw, ok := u.User.Password(); ok && opts.Password == "" {
				opts.Password = pw
			}
		}
		opts.Dir = u.Path
		return NewSFTP(opts)
	default:
		return nil, permanent(errors.Newf("unknown backend scheme %q", u.Scheme), config.Location)
	}
}

// Unwrap returns the innermost Backend, stripping any retrying or rate
// limiting wrappers; it's used to get at backend-specific functionality
// like Disk's parity checks.
func Unwrap(b Backend) Backend {
	for {
		switch w := b.(type) {
		case *Retrying:
			b = w.Backend
		case *RateLimited:
			b = w.Backend
		default:
			return b
		}
	}
}
