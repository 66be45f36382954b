// Package liveset holds the set of chunk sequence numbers seen by the current
// enumeration. Vanished shadows are those whose key is not in the set.
package liveset

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/chunkdiff/model"
)

// Set is a 64-bit Roaring bitmap of chunk sequence numbers.
//
// Contains is safe for concurrent use once population is done.
type Set struct {
	rb *roaring64.Bitmap
}

var setPool = sync.Pool{
	New: func() any {
		return &Set{rb: roaring64.New()}
	},
}

// Get gets a set from the pool. Call Put when done.
func Get() *Set {
	s := setPool.Get().(*Set)
	s.rb.Clear()
	return s
}

// Put returns a set to the pool.
func Put(s *Set) {
	if s == nil {
		return
	}
	s.rb.Clear()
	setPool.Put(s)
}

// AddChunks inserts the sequence number of every chunk.
func (s *Set) AddChunks(chunks []model.Chunk) {
	if len(chunks) == 0 {
		return
	}
	seqs := make([]uint64, len(chunks))
	for i, c := range chunks {
		seqs[i] = uint64(c.Seq())
	}
	s.rb.AddMany(seqs)
}

// Contains reports whether seq is in the set.
func (s *Set) Contains(seq model.ChunkSeq) bool {
	return s.rb.Contains(uint64(seq))
}
