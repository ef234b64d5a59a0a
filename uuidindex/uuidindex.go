// Package uuidindex provides a sharded, lock-protected UUID → value index:
// a key-splitting and per-shard-mutex design sized for a database's
// in-memory object count rather than a billions-of-keys disk-backed
// target.
package uuidindex

import (
	"encoding/binary"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

type config struct {
	shardCount int
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("KDBXMERGE_UUIDINDEX_SHARDS"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.shardCount = val
		}
	}
	if cfg.shardCount <= 0 {
		cfg.shardCount = runtime.GOMAXPROCS(0) * 4
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.shardCount < 1 {
		cfg.shardCount = 1
	}
	return cfg
}

// OptShardCount sets the number of independently locked shards. Defaults
// to env KDBXMERGE_UUIDINDEX_SHARDS or 4×GOMAXPROCS.
func OptShardCount(n int) func(*config) {
	return func(cfg *config) {
		cfg.shardCount = n
	}
}

type shard struct {
	mu sync.RWMutex
	m  map[[2]uint64]interface{}
}

// Index is a concurrent-safe UUID → arbitrary value map. The zero value is
// not usable; construct with New.
type Index struct {
	shards []*shard
}

// New returns an empty Index, shard count fixed at construction time per
// opts (there is no live resizing — a KDBX database's object count is
// known well in advance of needing this index).
func New(opts ...func(*config)) *Index {
	cfg := resolveConfig(opts...)
	idx := &Index{shards: make([]*shard, cfg.shardCount)}
	for i := range idx.shards {
		idx.shards[i] = &shard{m: make(map[[2]uint64]interface{})}
	}
	return idx
}

// split turns a 16-byte UUID into a (keyA, keyB) pair, letting the shard
// selection and the per-shard map key reuse the same representation.
func split(u uuid.UUID) (keyA, keyB uint64) {
	return binary.BigEndian.Uint64(u[0:8]), binary.BigEndian.Uint64(u[8:16])
}

func (idx *Index) shardFor(keyA uint64) *shard {
	return idx.shards[keyA%uint64(len(idx.shards))]
}

// Set stores value under u, replacing any prior value.
func (idx *Index) Set(u uuid.UUID, value interface{}) {
	a, b := split(u)
	s := idx.shardFor(a)
	s.mu.Lock()
	s.m[[2]uint64{a, b}] = value
	s.mu.Unlock()
}

// Get returns the value stored under u, if any.
func (idx *Index) Get(u uuid.UUID) (interface{}, bool) {
	a, b := split(u)
	s := idx.shardFor(a)
	s.mu.RLock()
	v, ok := s.m[[2]uint64{a, b}]
	s.mu.RUnlock()
	return v, ok
}

// Delete removes u from the index, if present.
func (idx *Index) Delete(u uuid.UUID) {
	a, b := split(u)
	s := idx.shardFor(a)
	s.mu.Lock()
	delete(s.m, [2]uint64{a, b})
	s.mu.Unlock()
}

// Len returns the total number of entries across all shards.
func (idx *Index) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
