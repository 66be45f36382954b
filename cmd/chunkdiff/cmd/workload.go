package cmd

import (
	"fmt"
	"math/rand/v2"

	"github.com/hupe1980/chunkdiff"
	"github.com/hupe1980/chunkdiff/colstore"
	"github.com/hupe1980/chunkdiff/internal/config"
	"github.com/hupe1980/chunkdiff/model"
)

type op uint8

const (
	opCreate op = iota
	opDestroy
	opMutate
	opMove
)

// row is the ground truth of one record.
type row struct {
	value int64
	group uint8
}

// workload owns a reference store, mutates it at random and keeps a mirror
// of the tracked column that is rebuilt from change sets only.
type workload struct {
	cfg     config.WorkloadConfig
	kind    model.Kind
	rng     *rand.Rand
	weights [4]int

	store   *colstore.Store
	value   model.ColumnInfo
	group   model.ColumnInfo
	tracked model.ColumnInfo
	query   *colstore.Query

	ids    []model.RecordID
	pos    map[model.RecordID]int
	rows   map[model.RecordID]row
	mirror map[model.RecordID]int64
}

func newWorkload(cfg *config.Config) (*workload, error) {
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}

	s := colstore.New(colstore.WithChunkCapacity(cfg.Store.ChunkCapacity))
	value, err := colstore.Register[int64](s, "value", model.KindValue)
	if err != nil {
		return nil, err
	}
	groupKind := model.KindSharedUnmanaged
	if kind == model.KindShared {
		groupKind = model.KindShared
	}
	group, err := colstore.Register[uint8](s, "group", groupKind)
	if err != nil {
		return nil, err
	}

	w := &workload{
		cfg:  cfg.Workload,
		kind: kind,
		rng:  rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)), //nolint:gosec // reproducible workload
		weights: [4]int{
			cfg.Workload.CreateWeight,
			cfg.Workload.DestroyWeight,
			cfg.Workload.MutateWeight,
			cfg.Workload.MoveWeight,
		},
		store:  s,
		value:  value,
		group:  group,
		pos:    make(map[model.RecordID]int),
		rows:   make(map[model.RecordID]row),
		mirror: make(map[model.RecordID]int64),
	}

	switch kind {
	case model.KindExistence:
		w.tracked = model.Existence()
		w.query = colstore.NewQuery(s)
	case model.KindValue:
		w.tracked = value
		w.query = colstore.NewQuery(s, value.ID)
	default:
		w.tracked = group
		w.query = colstore.NewQuery(s, group.ID)
	}

	for range cfg.Workload.InitialRecords {
		if err := w.create(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Len returns the number of live records.
func (w *workload) Len() int { return len(w.ids) }

func (w *workload) pick() op {
	total := 0
	for _, wt := range w.weights {
		total += wt
	}
	n := w.rng.IntN(total)
	for i, wt := range w.weights {
		if n < wt {
			return op(i)
		}
		n -= wt
	}
	return opCreate
}

// step applies one iteration of random mutations.
func (w *workload) step() error {
	for range w.cfg.OpsPerIteration {
		o := w.pick()
		if len(w.ids) == 0 {
			o = opCreate
		}

		var err error
		switch o {
		case opCreate:
			err = w.create()
		case opDestroy:
			err = w.destroy()
		case opMutate:
			err = w.mutate()
		case opMove:
			err = w.move()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *workload) randomGroup() uint8 {
	return uint8(w.rng.IntN(w.cfg.SharedValues) + 1) //nolint:gosec // bounded by config validation
}

func (w *workload) randomID() model.RecordID {
	return w.ids[w.rng.IntN(len(w.ids))]
}

func (w *workload) create() error {
	r := row{value: w.rng.Int64(), group: w.randomGroup()}
	id, err := w.store.Create(colstore.V(w.value, r.value), colstore.V(w.group, r.group))
	if err != nil {
		return err
	}
	w.pos[id] = len(w.ids)
	w.ids = append(w.ids, id)
	w.rows[id] = r
	return nil
}

func (w *workload) destroy() error {
	id := w.randomID()
	if err := w.store.Destroy(id); err != nil {
		return err
	}
	i := w.pos[id]
	last := w.ids[len(w.ids)-1]
	w.ids[i] = last
	w.pos[last] = i
	w.ids = w.ids[:len(w.ids)-1]
	delete(w.pos, id)
	delete(w.rows, id)
	return nil
}

func (w *workload) mutate() error {
	id := w.randomID()
	r := w.rows[id]
	r.value = w.rng.Int64()
	if err := colstore.Set(w.store, id, w.value, r.value); err != nil {
		return err
	}
	w.rows[id] = r
	return nil
}

func (w *workload) move() error {
	id := w.randomID()
	r := w.rows[id]
	r.group = w.randomGroup()
	if err := colstore.SetShared(w.store, id, w.group, r.group); err != nil {
		return err
	}
	w.rows[id] = r
	return nil
}

// expected returns the tracked payload of r, widened to int64.
func (w *workload) expected(r row) int64 {
	switch w.kind {
	case model.KindValue:
		return r.value
	case model.KindShared:
		return int64(colstore.Intern(w.store.Interner(), r.group))
	case model.KindSharedUnmanaged:
		return int64(r.group)
	default:
		return 0
	}
}

func widen[T ~uint8 | ~uint32 | ~int64](vs []T) []int64 {
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = int64(v)
	}
	return out
}

func (w *workload) addedValues(cs *chunkdiff.ChangeSet) ([]int64, error) {
	switch w.kind {
	case model.KindValue:
		return chunkdiff.AddedValues[int64](cs)
	case model.KindShared:
		vs, err := chunkdiff.AddedValues[chunkdiff.Handle](cs)
		return widen(vs), err
	case model.KindSharedUnmanaged:
		vs, err := chunkdiff.AddedValues[uint8](cs)
		return widen(vs), err
	default:
		return make([]int64, cs.AddedCount()), nil
	}
}

// apply replays cs onto the mirror: removals first, then additions.
func (w *workload) apply(cs *chunkdiff.ChangeSet) error {
	removed, err := cs.AppendRemoved(nil)
	if err != nil {
		return err
	}
	for _, id := range removed {
		if _, ok := w.mirror[id]; !ok {
			return fmt.Errorf("%v reported removed but was never added", id)
		}
		delete(w.mirror, id)
	}

	added, err := cs.AppendAdded(nil)
	if err != nil {
		return err
	}
	values, err := w.addedValues(cs)
	if err != nil {
		return err
	}
	for i, id := range added {
		w.mirror[id] = values[i]
	}
	return nil
}

// verify checks the mirror against the ground truth.
func (w *workload) verify() error {
	if len(w.mirror) != len(w.rows) {
		return fmt.Errorf("mirror holds %d records, store holds %d", len(w.mirror), len(w.rows))
	}
	for id, r := range w.rows {
		got, ok := w.mirror[id]
		if !ok {
			return fmt.Errorf("%v missing from mirror", id)
		}
		if want := w.expected(r); got != want {
			return fmt.Errorf("%v: mirror holds %d, store holds %d", id, got, want)
		}
	}
	return nil
}
