package index

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store persists committed index entries: key bytes -> serialized offsets.
type Store interface {
	Load(index string, fn func(key, offsets []byte) error) error
	// Apply writes one commit atomically.
	Apply(index string, puts map[string][]byte, deletes []string) error
	Drop(index string) error
}

var _ Store = (*LevelStore)(nil)

// LevelStore keeps every index of a database in one leveldb, each under its
// own key prefix.
type LevelStore struct {
	db *leveldb.DB
}

func OpenLevelStore(dir string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		Filter: filter.NewBloomFilter(10), // 10 bits/key
	})
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func prefix(index string) []byte {
	return append([]byte(index), 0)
}

func storeKey(index, key string) []byte {
	return append(prefix(index), key...)
}

func (s *LevelStore) Load(index string, fn func(key, offsets []byte) error) error {
	p := prefix(index)
	it := s.db.NewIterator(util.BytesPrefix(p), nil)
	defer it.Release()

	for it.Next() {
		if err := fn(it.Key()[len(p):], it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *LevelStore) Apply(index string, puts map[string][]byte, deletes []string) error {
	b := new(leveldb.Batch)
	for k, v := range puts {
		b.Put(storeKey(index, k), v)
	}
	for _, k := range deletes {
		b.Delete(storeKey(index, k))
	}
	return s.db.Write(b, &opt.WriteOptions{Sync: true})
}

func (s *LevelStore) Drop(index string) error {
	it := s.db.NewIterator(util.BytesPrefix(prefix(index)), nil)
	b := new(leveldb.Batch)
	for it.Next() {
		b.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return s.db.Write(b, &opt.WriteOptions{Sync: true})
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
