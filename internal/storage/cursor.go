package storage

import (
	"bufio"
	"io"
)

// Cursor is a buffered sequential reader that tracks its absolute position.
// Cursors never share state, so a scan and random lookups on the same file
// can interleave.
type Cursor struct {
	src   io.ReaderAt
	limit int64
	pos   int64
	br    *bufio.Reader
}

func NewCursor(src io.ReaderAt, pos, limit int64, size int) *Cursor {
	if size <= 0 {
		size = DefaultReadBuffer
	}
	if pos > limit {
		pos = limit
	}
	return &Cursor{
		src:   src,
		limit: limit,
		pos:   pos,
		br:    bufio.NewReaderSize(io.NewSectionReader(src, pos, limit-pos), size),
	}
}

func (c *Cursor) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.pos += int64(n)
	return n, err
}

func (c *Cursor) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.pos++
	}
	return b, err
}

func (c *Cursor) Position() int64 { return c.pos }

func (c *Cursor) Limit() int64 { return c.limit }

// Seek moves the cursor to an absolute position and drops buffered bytes.
func (c *Cursor) Seek(pos int64) error {
	if pos < 0 {
		return ErrBadOffset
	}
	if pos > c.limit {
		pos = c.limit
	}
	c.pos = pos
	c.br.Reset(io.NewSectionReader(c.src, pos, c.limit-pos))
	return nil
}
