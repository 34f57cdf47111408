package icecast

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchDeliversInOrder(t *testing.T) {
	b := newBranch(4)
	abort := make(chan struct{})

	require.NoError(t, b.write([]byte("hello "), abort))
	require.NoError(t, b.write([]byte("world"), abort))
	b.closeWrite(nil)

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestBranchSurfacesWriteError(t *testing.T) {
	b := newBranch(1)
	b.closeWrite(io.ErrUnexpectedEOF)

	_, err := b.Read(make([]byte, 8))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestBranchBlocksWhenFull(t *testing.T) {
	b := newBranch(1)
	abort := make(chan struct{})

	require.NoError(t, b.write([]byte("a"), abort))

	done := make(chan error, 1)
	go func() { done <- b.write([]byte("b"), abort) }()

	select {
	case <-done:
		t.Fatal("write did not block on a full branch")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 1)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "a", string(buf[:n]))

	require.NoError(t, <-done)
}

func TestBranchAbort(t *testing.T) {
	b := newBranch(1)
	abort := make(chan struct{})

	require.NoError(t, b.write([]byte("a"), abort))
	close(abort)

	err := b.write([]byte("b"), abort)
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
}

func TestBranchCloseDiscards(t *testing.T) {
	b := newBranch(1)
	abort := make(chan struct{})

	require.NoError(t, b.write([]byte("a"), abort))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	// A full branch with no reader must not stall the writer.
	assert.Equal(t, errBranchDiscarded, b.write([]byte("b"), abort))

	_, err := b.Read(make([]byte, 1))
	assert.Equal(t, io.ErrClosedPipe, err)
}
