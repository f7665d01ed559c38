// block/index.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"context"
	"sync"
)

// Location records where a block's payload lives in storage.
type Location struct {
	DataFile string
	Offset   int64
	Size     int64
	// Id of the key that encrypted the payload; empty if it's plaintext.
	KeyID string
}

///////////////////////////////////////////////////////////////////////////

const nShards = 256

// Index maintains a map from block hashes to the locations of their
// payloads. It's safe for concurrent use: it is sharded by the first
// byte of the hash, with each shard protected by its own lock.
type Index struct {
	shards [nShards]indexShard
}

type indexShard struct {
	mu  sync.RWMutex
	loc map[Hash]Location
	// Hashes that some goroutine is in the middle of storing.
	pending map[Hash]*Claim
}

func NewIndex() *Index {
	ix := &Index{}
	for i := range ix.shards {
		ix.shards[i].loc = make(map[Hash]Location)
		ix.shards[i].pending = make(map[Hash]*Claim)
	}
	return ix
}

func (ix *Index) shard(h Hash) *indexShard {
	return &ix.shards[h[0]]
}

// Knows reports whether the index has a location for the given hash.
func (ix *Index) Knows(h Hash) bool {
	_, ok := ix.Lookup(h)
	return ok
}

func (ix *Index) Lookup(h Hash) (Location, bool) {
	s := ix.shard(h)
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.loc[h]
	return loc, ok
}

// Record adds the location for the given hash if the index doesn't
// already have one. It returns the location that the index holds after
// the call and whether this call was the one that added it. Check and
// insert happen under a single lock, so if multiple goroutines race to
// record the same hash, exactly one of them wins.
func (ix *Index) Record(h Hash, loc Location) (Location, bool) {
	s := ix.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.loc[h]; ok {
		return existing, false
	}
	s.loc[h] = loc
	return loc, true
}

///////////////////////////////////////////////////////////////////////////
// Claims

// Claim is the exclusive right to store the block with a given hash. The
// holder must call exactly one of Resolve or Abandon.
type Claim struct {
	ix   *Index
	h    Hash
	done chan struct{}
}

// Claim returns the location of the block with hash h if the index has
// one. Otherwise it returns a Claim, and the caller is expected to store
// the block and Resolve the claim. While a claim is outstanding, other
// callers for the same hash wait for it, so a block is stored at most
// once unless its storing fails.
func (ix *Index) Claim(ctx context.Context, h Hash) (Location, *Claim, error) {
	if loc, ok := ix.Lookup(h); ok {
		return loc, nil, nil
	}
	s := ix.shard(h)
	for {
		s.mu.Lock()
		if loc, ok := s.loc[h]; ok {
			s.mu.Unlock()
			return loc, nil, nil
		}
		p, ok := s.pending[h]
		if !ok {
			c := &Claim{ix: ix, h: h, done: make(chan struct{})}
			s.pending[h] = c
			s.mu.Unlock()
			return Location{}, c, nil
		}
		s.mu.Unlock()

		select {
		case <-p.done:
			// Either it's in the index now or the claim was abandoned
			// and it's up for grabs.
		case <-ctx.Done():
			return Location{}, nil, ctx.Err()
		}
	}
}

// Resolve records where the claimed block was stored and wakes up
// anyone waiting for it.
func (c *Claim) Resolve(loc Location) {
	s := c.ix.shard(c.h)
	s.mu.Lock()
	if _, ok := s.loc[c.h]; !ok {
		s.loc[c.h] = loc
	}
	delete(s.pending, c.h)
	s.mu.Unlock()
	close(c.done)
}

// Abandon gives up the claim without storing the block.
func (c *Claim) Abandon() {
	s := c.ix.shard(c.h)
	s.mu.Lock()
	delete(s.pending, c.h)
	s.mu.Unlock()
	close(c.done)
}

///////////////////////////////////////////////////////////////////////////

// Len returns the number of hashes in the index.
func (ix *Index) Len() int {
	n := 0
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		n += len(s.loc)
		s.mu.RUnlock()
	}
	return n
}
