package chunkdiff

import (
	"bytes"
	"context"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/chunkdiff/internal/liveset"
	"github.com/hupe1980/chunkdiff/internal/scratch"
	"github.com/hupe1980/chunkdiff/internal/taskgraph"
	"github.com/hupe1980/chunkdiff/model"
)

// detectBatch keeps every detection batch on whole words of the vanished
// bitset, so batches never write the same word.
const detectBatch = 8 * 64

type outcome uint8

const (
	outcomeSkipped outcome = iota // versions unchanged
	outcomeNew                    // no shadow yet
	outcomeChanged                // compared record by record
)

// chunkResult is the output slot of one enumerated chunk. Only the diff task
// for that chunk writes it.
type chunkResult struct {
	chunk   Chunk
	slot    int // shadow row, -1 until allocated for new chunks
	outcome outcome

	// Current contents. They alias chunk memory, which the store keeps
	// stable for the duration of the call.
	records       []RecordID
	payload       []byte
	layoutVersion uint64
	columnVersion uint64

	added          []RecordID
	removed        []RecordID
	addedPayload   []byte
	removedPayload []byte
	comparisons    int
}

// vanishedChunk is a copy of the shadow of a chunk that is no longer matched.
type vanishedChunk struct {
	slot    int
	records []RecordID
	payload []byte
}

// callScratch holds the short-lived buffers of one diff call.
type callScratch struct {
	ids   *scratch.Buffers[RecordID]
	bytes *scratch.Buffers[byte]
}

func (d *Differ) diff(ctx context.Context) (*ChangeSet, error) {
	var (
		tmp = callScratch{
			ids:   scratch.NewBuffers(&idPool),
			bytes: scratch.NewBuffers(&bytePool),
		}
		live = liveset.Get()
		keys = d.shadows.Keys()
		rows = bitset.New(uint(len(keys)))
		gone []vanishedChunk
		cs   *ChangeSet
	)

	// The enumeration length is unknown until the snapshot task finishes, so
	// result slots are reserved from the store's estimate and trimmed later.
	if bound := d.query.UpperBound(); cap(d.results) < bound {
		d.results = make([]chunkResult, 0, bound)
	}

	// The snapshot honors ctx; everything after it runs to completion.
	g := taskgraph.New(context.WithoutCancel(ctx),
		taskgraph.WithWorkers(d.opts.rc.Workers()),
		taskgraph.WithLimiter(d.opts.rc),
	)

	enumerate := taskgraph.Produce(g, "enumerate", func() ([]Chunk, error) {
		return d.query.Snapshot(ctx, d.chunks[:0])
	})

	results := taskgraph.Produce(g, "size-results", func() ([]chunkResult, error) {
		n := len(enumerate.Value())
		if cap(d.results) < n {
			d.results = make([]chunkResult, 0, n)
		}
		return d.results[:n], nil
	}, enumerate.Task())

	diffChunks := g.ParallelFor("diff-chunks", taskgraph.Len(results), func(i int) error {
		d.diffChunk(&results.Value()[i], enumerate.Value()[i], tmp)
		return nil
	}, results.Task())

	scan := g.Go("scan-liveness", func() error {
		live.AddChunks(enumerate.Value())
		return nil
	}, enumerate.Task())

	detect := g.ParallelForBatch("detect-vanished", func() int { return len(keys) }, detectBatch, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			if k := keys[i]; k != 0 && !live.Contains(ChunkSeq(k)) {
				rows.Set(uint(i))
			}
		}
		return nil
	}, scan)

	gather := g.Go("gather-vanished", func() error {
		gone = d.gatherVanished(rows, tmp)
		return nil
	}, detect)

	allocate := g.Go("allocate-shadows", func() error {
		return d.allocateShadows(results.Value())
	}, diffChunks, gather)

	build := g.Go("build-changeset", func() error {
		cs = d.build(results.Value(), gone)
		return nil
	}, diffChunks, gather, allocate)

	refresh := g.ParallelFor("refresh-shadows", taskgraph.Len(results), func(i int) error {
		r := &results.Value()[i]
		if r.outcome != outcomeSkipped {
			d.shadows.Store(r.slot, r.records, r.payload, r.layoutVersion, r.columnVersion)
		}
		return nil
	}, allocate)

	retire := g.Go("retire-shadows", func() error {
		for _, v := range gone {
			d.shadows.MarkRemoved(v.slot)
			d.shadows.Retire(v.slot)
		}
		return nil
	}, gather, refresh)

	g.Finally("release-scratch", func() {
		tmp.ids.Release()
		tmp.bytes.Release()
		liveset.Put(live)

		chunks := enumerate.Value()
		clear(chunks)
		d.chunks = chunks[:0]
		clear(results.Value())
	}, build, retire)

	if err := g.Wait(); err != nil {
		return nil, translateError(err)
	}
	return cs, nil
}

// diffChunk compares one chunk against its shadow.
func (d *Differ) diffChunk(r *chunkResult, c Chunk, tmp callScratch) {
	*r = chunkResult{
		chunk:         c,
		slot:          -1,
		records:       c.Records(),
		layoutVersion: c.LayoutVersion(),
	}
	if d.column.Kind != KindExistence {
		data, version, ok := c.Column(d.column.ID)
		if !ok {
			model.Violate("differ", "chunk %d does not hold column %d", c.Seq(), d.column.ID)
		}
		r.columnVersion = version
		r.payload = d.currentPayload(c.Seq(), data, len(r.records))
	}

	slot, ok := d.shadows.Lookup(c.Seq())
	if !ok {
		r.outcome = outcomeNew
		r.added, r.addedPayload = r.records, r.payload
		return
	}

	r.slot = slot
	e := d.shadows.Entry(slot)
	if r.layoutVersion < e.LayoutVersion || r.columnVersion < e.ColumnVersion {
		model.Violate("differ", "chunk %d versions moved backwards: layout %d -> %d, column %d -> %d",
			c.Seq(), e.LayoutVersion, r.layoutVersion, e.ColumnVersion, r.columnVersion)
	}
	if r.layoutVersion == e.LayoutVersion && r.columnVersion == e.ColumnVersion {
		r.outcome = outcomeSkipped
		return
	}

	r.outcome = outcomeChanged
	d.compare(r, d.shadows.Records(e), d.shadows.Payload(e), tmp)
}

func (d *Differ) currentPayload(seq ChunkSeq, data []byte, count int) []byte {
	want := d.payloadSize
	if !d.perChunk {
		want *= count
	}
	if len(data) < want {
		model.Violate("differ", "chunk %d column %d holds %d bytes, want %d", seq, d.column.ID, len(data), want)
	}
	return data[:want:want]
}

// compare walks the overlapping slots of a changed chunk. Identities or
// payloads that differ at a slot yield a remove and an add; slots past the
// shorter side are pure adds or removes. Removed data is copied because the
// shadow is refreshed while the change set is built.
func (d *Differ) compare(r *chunkResult, prev []RecordID, prevPayload []byte, tmp callScratch) {
	cur, curPayload := r.records, r.payload

	stride := 0
	if !d.perChunk {
		stride = d.payloadSize
	}
	valueChanged := d.perChunk && !bytes.Equal(prevPayload, curPayload)

	added := tmp.ids.Get(len(cur))
	removed := tmp.ids.Get(len(prev))
	var addedPayload, removedPayload []byte
	if stride > 0 {
		addedPayload = tmp.bytes.Get(len(cur) * stride)
		removedPayload = tmp.bytes.Get(len(prev) * stride)
	}

	overlap := min(len(cur), len(prev))
	for i := 0; i < overlap; i++ {
		lo, hi := i*stride, (i+1)*stride
		if cur[i] == prev[i] && !valueChanged &&
			(stride == 0 || bytes.Equal(curPayload[lo:hi], prevPayload[lo:hi])) {
			continue
		}
		added = append(added, cur[i])
		removed = append(removed, prev[i])
		if stride > 0 {
			addedPayload = append(addedPayload, curPayload[lo:hi]...)
			removedPayload = append(removedPayload, prevPayload[lo:hi]...)
		}
	}
	r.comparisons = overlap

	if len(cur) > overlap {
		added = append(added, cur[overlap:]...)
		if stride > 0 {
			addedPayload = append(addedPayload, curPayload[overlap*stride:]...)
		}
	}
	if len(prev) > overlap {
		removed = append(removed, prev[overlap:]...)
		if stride > 0 {
			removedPayload = append(removedPayload, prevPayload[overlap*stride:]...)
		}
	}

	if d.perChunk && d.payloadSize > 0 {
		if len(added) > 0 {
			addedPayload = curPayload
		}
		if len(removed) > 0 {
			removedPayload = append(tmp.bytes.Get(len(prevPayload)), prevPayload...)
		}
	}

	r.added, r.removed = added, removed
	r.addedPayload, r.removedPayload = addedPayload, removedPayload
}

// gatherVanished copies the shadows of every flagged row.
func (d *Differ) gatherVanished(rows *bitset.BitSet, tmp callScratch) []vanishedChunk {
	n := rows.Count()
	if n == 0 {
		return nil
	}

	gone := make([]vanishedChunk, 0, n)
	for i, ok := rows.NextSet(0); ok; i, ok = rows.NextSet(i + 1) {
		e := d.shadows.Entry(int(i))
		v := vanishedChunk{slot: int(i)}
		if recs := d.shadows.Records(e); len(recs) > 0 {
			v.records = append(tmp.ids.Get(len(recs)), recs...)
		}
		if pl := d.shadows.Payload(e); len(pl) > 0 {
			v.payload = append(tmp.bytes.Get(len(pl)), pl...)
		}
		gone = append(gone, v)
	}
	return gone
}

// allocateShadows creates entries for new chunks and grows entries of chunks
// that outgrew their capacity. On error the entries created here are
// discarded in reverse order, which restores the keys and the free-row
// stack. Grown entries keep their larger blocks; contents are unchanged.
func (d *Differ) allocateShadows(results []chunkResult) error {
	for i := range results {
		r := &results[i]
		capacity := max(r.chunk.Capacity(), len(r.records))

		var err error
		switch r.outcome {
		case outcomeNew:
			r.slot, err = d.shadows.Allocate(r.chunk.Seq(), capacity)
		case outcomeChanged:
			if len(r.records) > d.shadows.Entry(r.slot).Capacity {
				err = d.shadows.Grow(r.slot, capacity)
			}
		}
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				if results[j].outcome == outcomeNew {
					d.shadows.Discard(results[j].slot)
				}
			}
			return err
		}
	}
	return nil
}

// build merges the per-chunk lists into one change set. The first pass sizes
// every buffer; the second copies without reallocating.
//
// Removed records are ordered vanished chunks first, by shadow row, then the
// removals of changed chunks in enumeration order. Added records follow
// enumeration order.
func (d *Differ) build(results []chunkResult, gone []vanishedChunk) *ChangeSet {
	stats := DiffStats{
		Chunks:   int64(len(results)),
		Vanished: int64(len(gone)),
	}

	var added, removed, addedGroups, removedGroups int
	for i := range gone {
		if n := len(gone[i].records); n > 0 {
			removed += n
			removedGroups++
		}
	}
	for i := range results {
		r := &results[i]
		switch r.outcome {
		case outcomeSkipped:
			stats.Skipped++
		case outcomeNew:
			stats.New++
		case outcomeChanged:
			stats.Changed++
		}
		stats.Comparisons += int64(r.comparisons)
		if len(r.added) > 0 {
			added += len(r.added)
			addedGroups++
		}
		if len(r.removed) > 0 {
			removed += len(r.removed)
			removedGroups++
		}
	}

	cs := newChangeSet(d.column, added, removed, addedGroups, removedGroups)
	for i := range gone {
		cs.appendGroup(&cs.removed, gone[i].records, gone[i].payload)
	}
	for i := range results {
		r := &results[i]
		cs.appendGroup(&cs.removed, r.removed, r.removedPayload)
		cs.appendGroup(&cs.added, r.added, r.addedPayload)
	}

	stats.Added = int64(added)
	stats.Removed = int64(removed)
	cs.stats = stats
	return cs
}
