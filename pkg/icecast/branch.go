package icecast

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

var errBranchDiscarded = errors.New("icecast: branch reader closed")

// branch is one side of a mount's stream fan-out: a bounded queue of chunks
// written by the mount pump and consumed by a single reader. A full queue
// blocks the pump, which in turn stops reading the socket.
type branch struct {
	sync.Mutex
	dataChan chan []byte
	discard  chan struct{}
	closed   bool
	err      error

	cur []byte
}

func newBranch(depth int) *branch {
	if depth < 1 {
		depth = 1
	}
	return &branch{
		dataChan: make(chan []byte, depth),
		discard:  make(chan struct{}),
	}
}

// write queues p, blocking while the branch is full. It gives up when abort
// is closed or the reader has gone away; the latter is not an error for the
// pump, the chunk is simply dropped.
func (b *branch) write(p []byte, abort <-chan struct{}) error {
	select {
	case <-b.discard:
		return errBranchDiscarded
	default:
	}

	select {
	case b.dataChan <- p:
		return nil
	case <-b.discard:
		return errBranchDiscarded
	case <-abort:
		return io.ErrClosedPipe
	}
}

// closeWrite ends the branch. Readers drain what is queued and then see err,
// or io.EOF when err is nil. Only the pump calls it, once.
func (b *branch) closeWrite(err error) {
	b.Lock()
	if err == nil {
		err = io.EOF
	}
	b.err = err
	b.Unlock()
	close(b.dataChan)
}

func (b *branch) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	select {
	case <-b.discard:
		return 0, io.ErrClosedPipe
	default:
	}

	if len(b.cur) == 0 {
		select {
		case chunk, ok := <-b.dataChan:
			if !ok {
				b.Lock()
				defer b.Unlock()
				return 0, b.err
			}
			b.cur = chunk
		case <-b.discard:
			return 0, io.ErrClosedPipe
		}
	}

	n := copy(p, b.cur)
	b.cur = b.cur[n:]
	return n, nil
}

// Close detaches the reader. Further writes are dropped so the other branch
// keeps flowing.
func (b *branch) Close() error {
	b.Lock()
	defer b.Unlock()

	if !b.closed {
		close(b.discard)
		b.closed = true
	}

	return nil
}
