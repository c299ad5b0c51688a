// Package ioutils carries small I/O adapters shared by the device
// services.
package ioutils

import (
	"fmt"
	"io"
	"os"
)

// ClampedSeek clamps an [io.ReadSeeker] so reads never escape a window
// starting at the reader's position at construction time and extending end
// bytes.
//
// Seeks themselves are not clamped, only the final read, which mirrors how
// [os.File] behaves: seeking past the end is legal, reading there returns
// EOF, and seeking before offset zero is invalid input.
type ClampedSeek struct {
	// start is the inner reader's position at construction; it becomes
	// offset zero of the clamped view.
	start  int64
	end    int64
	cursor int64
	inner  io.ReadSeeker
}

// NewClampedSeek wraps inner, clamping reads to [0, end) relative to
// inner's current position.
func NewClampedSeek(inner io.ReadSeeker, end int64) (*ClampedSeek, error) {
	start, err := inner.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed reading stream position: %w", err)
	}
	return &ClampedSeek{start: start, end: end, inner: inner}, nil
}

func (c *ClampedSeek) Seek(offset int64, whence int) (int64, error) {
	var fromSelfStart int64
	switch whence {
	case io.SeekStart:
		fromSelfStart = offset
	case io.SeekEnd:
		fromSelfStart = c.end + offset
	case io.SeekCurrent:
		fromSelfStart = c.cursor + offset
	default:
		return 0, fmt.Errorf("unknown whence %d: %w", whence, os.ErrInvalid)
	}
	if fromSelfStart < 0 {
		return 0, fmt.Errorf("attempted to seek before offset 0 (%d): %w", fromSelfStart, os.ErrInvalid)
	}

	innerCursor, err := c.inner.Seek(c.start+fromSelfStart, io.SeekStart)
	if err != nil {
		return 0, err
	}
	if innerCursor != c.start+fromSelfStart {
		return 0, fmt.Errorf("inner cursor %d does not match clamped cursor %d", innerCursor, c.start+fromSelfStart)
	}
	c.cursor = fromSelfStart
	return c.cursor, nil
}

func (c *ClampedSeek) Read(p []byte) (int, error) {
	if c.cursor >= c.end {
		return 0, io.EOF
	}
	maxBytes := c.end - c.cursor
	if int64(len(p)) > maxBytes {
		p = p[:maxBytes]
	}
	n, err := c.inner.Read(p)
	c.cursor += int64(n)
	return n, err
}
