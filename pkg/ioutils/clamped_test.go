package ioutils

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampedSeekReadsWindowOnly(t *testing.T) {
	inner := strings.NewReader("0123456789")
	c, err := NewClampedSeek(inner, 4)
	require.NoError(t, err)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(got))
}

func TestClampedSeekHonorsStartOffset(t *testing.T) {
	inner := strings.NewReader("0123456789")
	_, err := inner.Seek(3, io.SeekStart)
	require.NoError(t, err)

	c, err := NewClampedSeek(inner, 4)
	require.NoError(t, err)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(got))

	// Offset zero of the clamp is the construction position.
	pos, err := c.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)
	var b [1]byte
	_, err = c.Read(b[:])
	require.NoError(t, err)
	assert.Equal(t, byte('3'), b[0])
}

func TestClampedSeekEndNegative(t *testing.T) {
	inner := bytes.NewReader([]byte("0123456789"))
	c, err := NewClampedSeek(inner, 8)
	require.NoError(t, err)

	pos, err := c.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 6, pos)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "67", string(got))
}

func TestClampedSeekBeforeZeroIsInvalid(t *testing.T) {
	inner := bytes.NewReader([]byte("0123456789"))
	c, err := NewClampedSeek(inner, 4)
	require.NoError(t, err)

	_, err = c.Seek(-5, io.SeekEnd)
	assert.ErrorIs(t, err, os.ErrInvalid)

	_, err = c.Seek(-1, io.SeekCurrent)
	assert.ErrorIs(t, err, os.ErrInvalid)
}

func TestClampedSeekReadPastEndReturnsEOF(t *testing.T) {
	inner := bytes.NewReader([]byte("0123456789"))
	c, err := NewClampedSeek(inner, 4)
	require.NoError(t, err)

	// Seeking past the clamp is allowed, reading there is EOF.
	pos, err := c.Seek(7, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 7, pos)

	var b [4]byte
	n, err := c.Read(b[:])
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}
