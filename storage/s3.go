// storage/s3.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"io"
	"strings"
)

type S3Options struct {
	Bucket string
	// Prepended to all object names; a trailing slash is added if
	// needed.
	Prefix string
	Region string
	// Optional, for S3-compatible services (MinIO, Ceph, ...).
	Endpoint  string
	PathStyle bool
	// If empty, the default AWS credential chain is used.
	AccessKeyID, SecretAccessKey string
	// Storage class for data files; metadata always uses STANDARD so
	// that listing and restoring don't require a thaw.
	DataStorageClass string
}

// S3 is a Backend that stores objects in an S3 bucket.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	opts     S3Options
}

func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, permanent(errors.New("no bucket given"), "s3")
	}
	if opts.Prefix != "" && !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, permanent(errors.Wrap(err, "loading AWS config"), "s3://"+opts.Bucket)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
		u.Concurrency = 4
	})
	return &S3{client: client, uploader: uploader, opts: opts}, nil
}

func (s *S3) key(name string) string {
	return s.opts.Prefix + name
}

func (s *S3) String() string {
	return "s3://" + s.opts.Bucket + "/" + s.opts.Prefix
}

func (s *S3) Put(ctx context.Context, name string, r io.Reader) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(name)),
		Body:   r,
	}
	if s.opts.DataStorageClass != "" && strings.Contains(name, ".data-") {
		in.StorageClass = types.StorageClass(s.opts.DataStorageClass)
	}
	log.Verbose("%s: starting upload", name)
	if _, err := s.uploader.Upload(ctx, in); err != nil {
		return s.classify(err, name)
	}
	log.Verbose("%s: finished upload", name)
	return nil
}

func (s *S3) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, s.classify(err, name)
	}
	return out.Body, nil
}

func (s *S3) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	log.Debug("%s: starting s3 download, offset %d, length %d", name, offset, length)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(name)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, s.classify(err, name)
	}
	defer out.Body.Close()

	b := make([]byte, length)
	if n, err := io.ReadFull(out.Body, b); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// A range past the end of the object is truncated by S3
			// rather than refused.
			return nil, checkRange(name, offset, length, offset+int64(n))
		}
		return nil, s.classify(err, name)
	}
	return b, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.classify(err, prefix)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), s.opts.Prefix))
		}
	}
	return sortedNames(names), nil
}

func (s *S3) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(name)),
	})
	return s.classify(err, name)
}

func (s *S3) classify(err error, name string) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return notFound(err, name)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NotFound", "NoSuchKey", "InvalidRange":
			return notFound(err, name)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout",
			"RequestTimeTooSkewed", "InternalError", "ServiceUnavailable":
			return transient(err, name)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"NoSuchBucket", "QuotaExceeded", "EntityTooLarge":
			return permanent(err, name)
		}
	}
	return classify(err, name)
}
