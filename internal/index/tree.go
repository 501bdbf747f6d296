package index

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/btree"

	"github.com/tuannm99/novarel/internal/record"
)

const treeDegree = 32

type entry struct {
	key  any
	offs *roaring64.Bitmap
}

func lessEntry(a, b entry) bool { return record.Compare(a.key, b.key) < 0 }

// tree is the state shared by both index kinds. committed is what every
// reader sees; working is a copy-on-write clone that exists only while a
// transaction has written to the index.
type tree struct {
	mu      sync.RWMutex
	name    string
	keyType record.Type

	committed *btree.BTreeG[entry]
	working   *btree.BTreeG[entry]
	dirty     map[string]any // key bytes -> key touched by working

	// every key ever put; a miss means the key is absent
	bloom *bloom.BloomFilter

	store   Store
	invalid bool
}

func newTree(name string, keyType record.Type, opts Options) (*tree, error) {
	capacity, fp := opts.BloomCapacity, opts.BloomFalsePositive
	if capacity == 0 {
		capacity = DefaultBloomCapacity
	}
	if fp <= 0 || fp >= 1 {
		fp = DefaultBloomFalsePositive
	}

	t := &tree{
		name:      name,
		keyType:   keyType,
		committed: btree.NewG(treeDegree, lessEntry),
		dirty:     make(map[string]any),
		bloom:     bloom.NewWithEstimates(capacity, fp),
		store:     opts.Store,
	}
	if t.store == nil {
		return t, nil
	}

	err := t.store.Load(name, func(kb, val []byte) error {
		key, err := record.DecodeKey(kb)
		if err != nil {
			return err
		}
		bm := roaring64.New()
		if err := bm.UnmarshalBinary(bytes.Clone(val)); err != nil {
			return fmt.Errorf("index %s: decode offsets: %w", name, err)
		}
		t.committed.ReplaceOrInsert(entry{key: key, offs: bm})
		t.bloom.Add(kb)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tree) Name() string { return t.name }

func (t *tree) KeyType() record.Type { return t.keyType }

// view is called with mu held.
func (t *tree) view() *btree.BTreeG[entry] {
	if t.working != nil {
		return t.working
	}
	return t.committed
}

func (t *tree) lookup(key any) (*roaring64.Bitmap, bool) {
	if key == nil {
		return nil, false
	}
	kb, err := record.KeyBytes(key)
	if err != nil || !t.bloom.Test(kb) {
		return nil, false
	}
	e, ok := t.view().Get(entry{key: key})
	if !ok || e.offs.IsEmpty() {
		return nil, false
	}
	return e.offs, true
}

func (t *tree) Contains(key any) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.lookup(key)
	return ok
}

func (t *tree) Get(key any) []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bm, ok := t.lookup(key)
	if !ok {
		return nil
	}
	return toOffsets(bm)
}

func (t *tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view().Len()
}

func (t *tree) Each(fn func(key any, offsets []int64) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.view().Ascend(func(e entry) bool {
		return fn(e.key, toOffsets(e.offs))
	})
}

// mutate applies fn to a private copy of the offsets under key. If fn fails
// nothing changes.
func (t *tree) mutate(key any, fn func(bm *roaring64.Bitmap) error) error {
	if key == nil {
		return nil
	}
	kb, err := record.KeyBytes(key)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.invalid {
		return fmt.Errorf("%w: %s", ErrInvalidIndex, t.name)
	}
	if t.working == nil {
		t.working = t.committed.Clone()
	}

	bm := roaring64.New()
	if cur, ok := t.working.Get(entry{key: key}); ok {
		bm = cur.offs.Clone()
	}
	if err := fn(bm); err != nil {
		return err
	}

	if bm.IsEmpty() {
		t.working.Delete(entry{key: key})
	} else {
		t.working.ReplaceOrInsert(entry{key: key, offs: bm})
		t.bloom.Add(kb)
	}
	t.dirty[string(kb)] = key
	return nil
}

// Commit publishes the working copy. The in-memory swap always happens; an
// error means only the persisted copy is behind.
func (t *tree) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.working == nil {
		return nil
	}

	var err error
	if t.store != nil && len(t.dirty) > 0 {
		err = t.persist()
	}

	t.committed = t.working
	t.working = nil
	clear(t.dirty)

	if err != nil {
		return fmt.Errorf("index %s: persist: %w", t.name, err)
	}
	return nil
}

func (t *tree) persist() error {
	puts := make(map[string][]byte, len(t.dirty))
	var dels []string
	for kb, key := range t.dirty {
		e, ok := t.working.Get(entry{key: key})
		if !ok {
			dels = append(dels, kb)
			continue
		}
		b, err := e.offs.ToBytes()
		if err != nil {
			return err
		}
		puts[kb] = b
	}
	return t.store.Apply(t.name, puts, dels)
}

func (t *tree) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.working = nil
	clear(t.dirty)
}

// Invalidate also drops the persisted copy, which may lag behind, so the
// next open rebuilds the index from the record file.
func (t *tree) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invalid = true
	t.working = nil
	clear(t.dirty)
	if t.store != nil {
		if err := t.store.Drop(t.name); err != nil {
			slog.Warn("drop invalid index", "index", t.name, "err", err)
		}
	}
}

func (t *tree) Valid() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.invalid
}

func toOffsets(bm *roaring64.Bitmap) []int64 {
	raw := bm.ToArray()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}
