package storage

import (
	"os"
	"sync"

	"github.com/tuannm99/novarel/internal/alias/util"
)

var _ File = (*diskFile)(nil)

type diskFile struct {
	mu      sync.RWMutex
	f       *os.File
	size    int64
	bufSize int
}

func newDiskFile(f *os.File, bufSize int) (*diskFile, error) {
	info, err := f.Stat()
	if err != nil {
		util.CloseFileFunc(f)
		return nil, err
	}
	if bufSize <= 0 {
		bufSize = DefaultReadBuffer
	}
	return &diskFile{f: f, size: info.Size(), bufSize: bufSize}, nil
}

func (d *diskFile) Policy() Policy { return Log }

func (d *diskFile) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return 0, ErrClosed
	}
	return d.f.ReadAt(p, off)
}

func (d *diskFile) Cursor(pos, limit int64) *Cursor {
	return NewCursor(d, pos, limit, d.bufSize)
}

func (d *diskFile) Length() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

func (d *diskFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrBadOffset
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return 0, ErrClosed
	}
	n, err := d.f.WriteAt(p, off)
	if end := off + int64(n); end > d.size {
		d.size = end
	}
	return n, err
}

func (d *diskFile) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return ErrClosed
	}
	if err := d.f.Truncate(size); err != nil {
		return err
	}
	d.size = size
	return nil
}

func (d *diskFile) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return ErrClosed
	}
	return d.f.Sync()
}

func (d *diskFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
