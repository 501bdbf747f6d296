package index

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/tuannm99/novarel/internal/record"
)

// Unique maps each key to exactly one live offset.
type Unique struct {
	*tree
}

func NewUnique(name string, keyType record.Type, opts Options) (*Unique, error) {
	t, err := newTree(name, keyType, opts)
	if err != nil {
		return nil, err
	}
	return &Unique{tree: t}, nil
}

func (u *Unique) Unique() bool { return true }

func (u *Unique) Put(key any, offset int64) error {
	return u.mutate(key, func(bm *roaring64.Bitmap) error {
		if bm.IsEmpty() {
			bm.Add(uint64(offset))
			return nil
		}
		if bm.Contains(uint64(offset)) {
			return nil
		}
		return fmt.Errorf("%w: %s = %v", ErrDuplicateKey, u.name, key)
	})
}

// Delete removes the sole association of key. A negative offset removes it
// whatever it points at.
func (u *Unique) Delete(key any, offset int64) error {
	return u.mutate(key, func(bm *roaring64.Bitmap) error {
		if offset < 0 || bm.Contains(uint64(offset)) {
			bm.Clear()
		}
		return nil
	})
}
