package storage

import (
	"io"
	"os"
	"sync"

	"github.com/tuannm99/novarel/internal/alias/util"
)

var _ File = (*memFile)(nil)

// memFile keeps the whole table in memory and writes through to disk, so
// reads never touch the file.
type memFile struct {
	mu   sync.RWMutex
	f    *os.File
	data []byte
}

func newMemFile(f *os.File) (*memFile, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		util.CloseFileFunc(f)
		return nil, err
	}
	return &memFile{f: f, data: data}, nil
}

func (m *memFile) Policy() Policy { return Lookup }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrBadOffset
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.f == nil {
		return 0, ErrClosed
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) Cursor(pos, limit int64) *Cursor {
	return NewCursor(m, pos, limit, lookupReadBuffer)
}

func (m *memFile) Length() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrBadOffset
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return 0, ErrClosed
	}

	// disk first: memory must never hold bytes the file does not
	n, err := m.f.WriteAt(p, off)
	if end := off + int64(n); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[off:off+int64(n)], p[:n])
	return n, err
}

func (m *memFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrClosed
	}
	if err := m.f.Truncate(size); err != nil {
		return err
	}
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
	} else {
		m.data = append(m.data, make([]byte, size-int64(len(m.data)))...)
	}
	return nil
}

func (m *memFile) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.f == nil {
		return ErrClosed
	}
	return m.f.Sync()
}

func (m *memFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	m.data = nil
	return err
}
