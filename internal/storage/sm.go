package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// File is a growable byte-addressable table file: sequential reads through a
// Cursor, random reads through ReadAt, and out-of-order writes at any offset
// (flipping a tombstone or appending at the end).
type File interface {
	io.ReaderAt

	// Cursor opens an independent buffered reader over [pos, limit).
	Cursor(pos, limit int64) *Cursor
	Length() int64
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
	Policy() Policy
}

type Options struct {
	// ReadBuffer is the cursor buffer size for Log files.
	ReadBuffer int
}

// Open opens or creates the file at path with the given policy.
func Open(path string, policy Policy, opts Options) (File, error) {
	if err := os.MkdirAll(filepath.Dir(path), FileMode0755); err != nil {
		return nil, err
	}
	// RDWR | CREATE (no truncate)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		return nil, err
	}

	switch policy {
	case Log:
		return newDiskFile(f, opts.ReadBuffer)
	case Lookup:
		return newMemFile(f)
	default:
		_ = f.Close()
		return nil, ErrUnknownPolicy
	}
}

// LocalFileSet names the files of one table inside a data directory.
type LocalFileSet struct {
	Dir  string
	Base string
}

func (lfs LocalFileSet) DataPath() string {
	return filepath.Join(lfs.Dir, lfs.Base+".dat")
}

func (lfs LocalFileSet) Open(policy Policy, opts Options) (File, error) {
	return Open(lfs.DataPath(), policy, opts)
}

// Remove deletes the data file; a missing file is not an error.
func (lfs LocalFileSet) Remove() error {
	err := os.Remove(lfs.DataPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
