// backup/generations.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/manifest"
	"github.com/mmp/baq/storage"
	u "github.com/mmp/baq/util"
	"sort"
	"time"
)

// ErrNoGenerations is returned when a repository has no committed
// generations.
var ErrNoGenerations = errors.New("no committed generations")

// Generations returns the ids of the committed generations in backend,
// oldest first.
func Generations(ctx context.Context, backend storage.Backend) ([]string, error) {
	names, err := backend.List(ctx, "baq.")
	if err != nil {
		return nil, err
	}
	var gens []string
	for _, n := range names {
		if gen, ok := manifest.ParseMetadataName(n); ok {
			gens = append(gens, gen)
		}
	}
	sort.Strings(gens)
	return gens, nil
}

// Latest returns the id of the most recent committed generation.
func Latest(ctx context.Context, backend storage.Backend) (string, error) {
	gens, err := Generations(ctx, backend)
	if err != nil {
		return "", err
	}
	if len(gens) == 0 {
		return "", ErrNoGenerations
	}
	return gens[len(gens)-1], nil
}

// GenerationInfo summarizes a generation from its manifest.
type GenerationInfo struct {
	Header *manifest.Header
	// nil if the manifest is truncated.
	Done  *manifest.Done
	Bytes int64
}

// Info reads the manifest of the given generation and summarizes it.
func Info(ctx context.Context, backend storage.Backend, gen string) (*GenerationInfo, error) {
	r, c, err := manifest.Open(ctx, backend, gen, manifest.Lenient)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	h, recs, err := manifest.ReadAll(r)
	if err != nil {
		return nil, err
	}
	info := &GenerationInfo{Header: h, Done: r.Done()}
	for _, rec := range recs {
		if f, ok := rec.(*manifest.File); ok {
			info.Bytes += f.Size
		}
	}
	return info, nil
}

// CleanOptions controls Clean.
type CleanOptions struct {
	// Report what would be deleted without deleting anything.
	DryRun bool
	// Data files of generations started more recently than this are
	// left alone, since they may belong to a backup that's still running.
	MinAge time.Duration
	// Returns the current time; time.Now if nil.
	Now func() time.Time
}

// Clean deletes data files whose generation has no metadata file; these
// are left behind by backups that failed or were cancelled. It returns
// the names of the files deleted (or that would be deleted, for a dry
// run).
func Clean(ctx context.Context, backend storage.Backend, opts CleanOptions, log *u.Logger) ([]string, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	names, err := backend.List(ctx, "baq.")
	if err != nil {
		return nil, err
	}

	committed := make(map[string]bool)
	for _, n := range names {
		if gen, ok := manifest.ParseMetadataName(n); ok {
			committed[gen] = true
		}
	}

	var orphans []string
	for _, n := range names {
		gen, ok := manifest.GenerationOf(n)
		if !ok || committed[gen] {
			continue
		}
		t, err := manifest.GenerationTime(gen)
		if err != nil {
			log.Warning("%s: %s", n, err)
			continue
		}
		if age := opts.Now().Sub(t); age < opts.MinAge {
			log.Verbose("%s: leaving recent orphan (%s old)", n, age.Round(time.Second))
			continue
		}
		orphans = append(orphans, n)
	}

	if opts.DryRun {
		for _, n := range orphans {
			log.Print("would delete %s", n)
		}
		return orphans, nil
	}

	var deleted []string
	for _, n := range orphans {
		if err := backend.Delete(ctx, n); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return deleted, errors.Wrapf(err, "%s: delete", n)
		}
		log.Verbose("%s: deleted", n)
		deleted = append(deleted, n)
	}
	return deleted, nil
}
