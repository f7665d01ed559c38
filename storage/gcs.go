// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	gcs "cloud.google.com/go/storage"
	"context"
	"github.com/cockroachdb/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"hash/crc32"
	"io"
	"strings"
)

type GCSOptions struct {
	BucketName string
	Prefix     string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional path to a service account JSON file; otherwise the
	// application default credentials are used.
	CredentialsFile string
	// Storage class for data files, e.g. "coldline".
	DataStorageClass string
}

// GCS is a Backend that stores objects in Google Cloud Storage.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	opts   GCSOptions
}

func NewGCS(ctx context.Context, options GCSOptions) (*GCS, error) {
	var copts []option.ClientOption
	if options.CredentialsFile != "" {
		copts = append(copts, option.WithCredentialsFile(options.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, copts...)
	if err != nil {
		return nil, permanent(err, "gs://"+options.BucketName)
	}
	if options.Prefix != "" && !strings.HasSuffix(options.Prefix, "/") {
		options.Prefix += "/"
	}
	g := &GCS{client: client, bucket: client.Bucket(options.BucketName), opts: options}

	// Create the bucket if it doesn't exist.
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			return nil, permanent(errors.New("bucket doesn't exist and no project id given"),
				g.String())
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if err := g.bucket.Create(ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, g.classify(err, g.String())
		}
	} else if err != nil {
		return nil, g.classify(err, g.String())
	}
	return g, nil
}

func (g *GCS) String() string {
	return "gs://" + g.opts.BucketName + "/" + g.opts.Prefix
}

func (g *GCS) object(name string) *gcs.ObjectHandle {
	return g.bucket.Object(g.opts.Prefix + name)
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Put writes a temporary object, checks that the CRC GCS computed
// matches the local one, and then copies it to its final name; the
// final object thus never exists in a partially-written state.
func (g *GCS) Put(ctx context.Context, name string, r io.Reader) error {
	tmpObj := g.object(name + ".tmp")
	defer tmpObj.Delete(context.Background())

	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than buffering it all.
	w.ChunkSize = 256 * 1024
	crc := crc32.New(castagnoliTable)
	if _, err := io.Copy(io.MultiWriter(w, crc), r); err != nil {
		w.Close()
		return g.classify(err, name)
	}
	if err := w.Close(); err != nil {
		return g.classify(err, name)
	}

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is; if not, the data was most likely corrupted over the
	// network during the upload and it's worth trying again.
	if localCrc, gcsCrc := crc.Sum32(), w.Attrs().CRC32C; localCrc != gcsCrc {
		return transient(errors.Newf("CRC32 checksum mismatch. Local: %d, GCS: %d",
			localCrc, gcsCrc), name)
	}

	log.Verbose("%s: finished upload", name)

	// Make the final object by copying from the temporary one.
	copier := g.object(name).CopierFrom(tmpObj)
	if g.opts.DataStorageClass != "" && strings.Contains(name, ".data-") {
		copier.StorageClass = g.opts.DataStorageClass
	}
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(ctx)
	return g.classify(err, name)
}

func (g *GCS) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.object(name).NewReader(ctx)
	if err != nil {
		return nil, g.classify(err, name)
	}
	return r, nil
}

func (g *GCS) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	log.Debug("%s: starting gcs download, offset %d, length %d", name, offset, length)
	if length == 0 {
		return []byte{}, nil
	}
	r, err := g.object(name).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, g.classify(err, name)
	}
	defer r.Close()

	var buf bytes.Buffer
	buf.Grow(int(length))
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, g.classify(err, name)
	}
	if int64(buf.Len()) != length {
		return nil, checkRange(name, offset, length, offset+int64(buf.Len()))
	}
	return buf.Bytes(), nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: g.opts.Prefix + prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, g.classify(err, prefix)
		}
		if n := strings.TrimPrefix(obj.Name, g.opts.Prefix); !strings.HasSuffix(n, ".tmp") {
			names = append(names, n)
		}
	}
	return sortedNames(names), nil
}

func (g *GCS) Delete(ctx context.Context, name string) error {
	return g.classify(g.object(name).Delete(ctx), name)
}

func (g *GCS) classify(err error, name string) error {
	if err == nil {
		return nil
	}
	if err == gcs.ErrObjectNotExist || err == gcs.ErrBucketNotExist {
		return notFound(err, name)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch {
		case ge.Code == 404 || ge.Code == 416:
			return notFound(err, name)
		case ge.Code == 429 || ge.Code == 408 || ge.Code >= 500:
			return transient(err, name)
		default:
			return permanent(err, name)
		}
	}
	return classify(err, name)
}
