// manifest/naming.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"regexp"
	"strings"
	"time"
)

/*
Object names:

  baq.<YYYYMMDDTHHMMSS>Z.metadata     one per committed generation
  baq.<YYYYMMDDTHHMMSS>Z.data-<NNNNN> data files, numbered from 00000

The timestamp is UTC, so lexical order is chronological order.
*/

const (
	generationPrefix = "baq."
	timeLayout       = "20060102T150405"
	metadataSuffix   = ".metadata"
)

var (
	metadataRe = regexp.MustCompile(`^(baq\.[0-9]{8}T[0-9]{6}Z)\.metadata$`)
	dataFileRe = regexp.MustCompile(`^(baq\.[0-9]{8}T[0-9]{6}Z)\.data-[0-9]{5,}$`)
)

// GenerationID returns the id of a generation started at time t.
func GenerationID(t time.Time) string {
	return generationPrefix + t.UTC().Format(timeLayout) + "Z"
}

// GenerationTime returns the time encoded in a generation id.
func GenerationTime(gen string) (time.Time, error) {
	s := strings.TrimSuffix(strings.TrimPrefix(gen, generationPrefix), "Z")
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func MetadataName(gen string) string {
	return gen + metadataSuffix
}

// ParseMetadataName returns the generation of a metadata file name.
func ParseMetadataName(name string) (string, bool) {
	m := metadataRe.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// GenerationOf returns the generation a data file belongs to.
func GenerationOf(dataFile string) (string, bool) {
	m := dataFileRe.FindStringSubmatch(dataFile)
	if m == nil {
		return "", false
	}
	return m[1], true
}
