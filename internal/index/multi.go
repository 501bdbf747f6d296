package index

import (
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/tuannm99/novarel/internal/record"
)

// Multi maps a key to an ordered set of offsets.
type Multi struct {
	*tree
}

func NewMulti(name string, keyType record.Type, opts Options) (*Multi, error) {
	t, err := newTree(name, keyType, opts)
	if err != nil {
		return nil, err
	}
	return &Multi{tree: t}, nil
}

func (m *Multi) Unique() bool { return false }

func (m *Multi) Put(key any, offset int64) error {
	return m.mutate(key, func(bm *roaring64.Bitmap) error {
		bm.Add(uint64(offset))
		return nil
	})
}

func (m *Multi) Delete(key any, offset int64) error {
	return m.mutate(key, func(bm *roaring64.Bitmap) error {
		bm.Remove(uint64(offset))
		return nil
	})
}
