package icecast

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	readChunkSize        = 16 * 1024
	responseWriteTimeout = 5 * time.Second
)

// State is the lifecycle position of a Mount.
type State int

const (
	// StateOpen is a mount that has been registered but not started.
	StateOpen State = iota
	// StateStreaming is a mount whose socket is being read.
	StateStreaming
	// StateEnded is a mount whose source sent end-of-stream.
	StateEnded
	// StateClosed is a mount closed by the server or by a socket error.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateEnded:
		return "ended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type mountOptions struct {
	audioDepth    int
	metadataDepth int
	extractor     MetadataExtractor
	logger        *slog.Logger
	metrics       *metrics
}

// Mount is one authenticated source connection. It owns the socket from the
// end of the handshake on, splitting the bytes it reads into an audio stream
// for the embedder and a metadata branch feeding the extractor.
type Mount struct {
	id          string
	session     string
	req         *Request
	conn        net.Conn
	src         io.Reader
	authContext any

	logger    *slog.Logger
	metrics   *metrics
	extractor MetadataExtractor

	audio *branch
	meta  *branch

	mu        sync.RWMutex
	state     State
	last      *Metadata
	err       error
	cancel    context.CancelFunc
	extracted chan struct{}

	hooksMu       sync.Mutex
	finished      bool
	metadataHooks []func(Metadata)
	errorHooks    []func(error)
	doneHooks     []func()

	writeMu sync.Mutex
	endOnce sync.Once
	closing chan struct{}
	done    chan struct{}
}

// newMount binds a mount to the request's socket. Bytes in prefix were read
// with the request head and are delivered ahead of the socket.
func newMount(id string, req *Request, authContext any, prefix []byte, opts mountOptions) *Mount {
	session := uuid.NewString()

	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}

	var src io.Reader = req.conn
	if len(prefix) > 0 {
		src = io.MultiReader(bytes.NewReader(prefix), req.conn)
	}

	return &Mount{
		id:          id,
		session:     session,
		req:         req,
		conn:        req.conn,
		src:         src,
		authContext: authContext,
		logger:      logger.With("mount", id, "session", session),
		metrics:     opts.metrics,
		extractor:   opts.extractor,
		audio:       newBranch(opts.audioDepth),
		meta:        newBranch(opts.metadataDepth),
		cancel:      func() {},
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ID returns the mount identifier.
func (m *Mount) ID() string { return m.id }

// Session returns an identifier unique to this connection.
func (m *Mount) Session() string { return m.session }

func (m *Mount) RemoteAddr() string { return m.req.RemoteAddr() }

// AuthContext returns the value the authenticator approved the mount with.
func (m *Mount) AuthContext() any { return m.authContext }

// Header returns a request header by name.
func (m *Mount) Header(name string) string { return m.req.Header.Get(name) }

func (m *Mount) MimeType() string { return m.Header(HeaderContentType) }

// Type returns the MIME type without its audio/ or video/ prefix.
func (m *Mount) Type() string {
	t := strings.TrimPrefix(m.MimeType(), "audio/")
	return strings.TrimPrefix(t, "video/")
}

func (m *Mount) UserAgent() string { return m.Header(HeaderUserAgent) }

// IsPublic reports whether the source asked to be listed in directories.
func (m *Mount) IsPublic() bool {
	switch strings.ToLower(strings.TrimSpace(m.Header(HeaderIcePublic))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// LastMetadata returns the most recent snapshot, if any has been seen.
func (m *Mount) LastMetadata() (Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.last == nil {
		return Metadata{}, false
	}
	return *m.last, true
}

// Artist returns the current artist, or "" when unknown.
func (m *Mount) Artist() string {
	md, _ := m.LastMetadata()
	return md.Artist
}

// Title returns the current title, or "" when unknown.
func (m *Mount) Title() string {
	md, _ := m.LastMetadata()
	return md.Title
}

// Album returns the current album, or "" when unknown.
func (m *Mount) Album() string {
	md, _ := m.LastMetadata()
	return md.Album
}

func (m *Mount) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Ended reports whether the source finished its stream.
func (m *Mount) Ended() bool {
	return m.State() == StateEnded
}

// Err returns the socket error that closed the mount, if any.
func (m *Mount) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Done is closed once the mount has finished, every metadata hook has been
// delivered and the done hooks have run.
func (m *Mount) Done() <-chan struct{} { return m.done }

// AudioStream returns the raw bytes sent by the source. It supports a single
// reader. Reading too slowly stalls the source; closing the stream discards
// the audio while metadata extraction continues.
func (m *Mount) AudioStream() io.ReadCloser { return m.audio }

// OnMetadata registers fn to be called with every new metadata snapshot, in
// stream order.
func (m *Mount) OnMetadata(fn func(Metadata)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.metadataHooks = append(m.metadataHooks, fn)
}

// OnError registers fn to be called when a socket error closes the mount.
func (m *Mount) OnError(fn func(error)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.errorHooks = append(m.errorHooks, fn)
}

// OnDone registers fn to be called once the mount has finished. If it already
// has, fn runs immediately.
func (m *Mount) OnDone(fn func()) {
	m.hooksMu.Lock()
	if m.finished {
		m.hooksMu.Unlock()
		fn()
		return
	}
	m.doneHooks = append(m.doneHooks, fn)
	m.hooksMu.Unlock()
}

// Close ends the mount with a 200 response. Closing a finished mount is a
// no-op.
func (m *Mount) Close() error {
	_, err := m.terminate(StateClosed, nil, FormatResponse(200, statusGoodbyeMessage, true))
	return err
}

func (m *Mount) start() {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.state = StateStreaming
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.extracted = make(chan struct{})
	extracted := m.extracted
	m.mu.Unlock()

	go m.extract(ctx, extracted)
	go m.pump()
}

func (m *Mount) sendContinue() error {
	return m.write(FormatResponse(100, statusContinueMessage, false) + "\n")
}

func (m *Mount) write(s string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = m.conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	_, err := io.WriteString(m.conn, s)
	return err
}

// terminate moves the mount to its final state exactly once, writing response
// (if any) before the socket is closed. It reports whether this call did the
// work and the write error.
func (m *Mount) terminate(state State, cause error, response string) (first bool, err error) {
	m.endOnce.Do(func() {
		first = true

		m.mu.Lock()
		wasOpen := m.state == StateOpen
		m.state = state
		m.err = cause
		cancel := m.cancel
		m.mu.Unlock()

		close(m.closing)
		if state == StateClosed {
			cancel()
		}

		if response != "" {
			err = m.write(response)
		}
		if cerr := m.conn.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}

		if wasOpen {
			m.complete()
		}
	})
	return first, err
}

func (m *Mount) fail(cause error) {
	if first, _ := m.terminate(StateClosed, cause, FormatResponse(500, statusSocketMessage, true)); !first {
		return
	}

	m.logger.Warn("mount socket error", "err", cause)

	m.hooksMu.Lock()
	hooks := slices.Clone(m.errorHooks)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(cause)
	}
}

func (m *Mount) pump() {
	buf := make([]byte, readChunkSize)

	var rerr error
	for rerr == nil {
		n, err := m.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.metrics.bytesIngested(m.id, n)

			if werr := m.audio.write(chunk, m.closing); errors.Is(werr, io.ErrClosedPipe) {
				break
			}
			if werr := m.meta.write(chunk, m.closing); errors.Is(werr, io.ErrClosedPipe) {
				break
			}
		}
		rerr = err
	}

	select {
	case <-m.closing:
		// Closed by the server, the socket error is ours.
	default:
		if errors.Is(rerr, io.EOF) {
			m.terminate(StateEnded, nil, "")
			m.logger.Info("source ended stream")
		} else {
			m.fail(rerr)
		}
	}

	m.complete()
}

func (m *Mount) complete() {
	m.audio.closeWrite(m.Err())
	m.meta.closeWrite(nil)

	m.mu.RLock()
	extracted := m.extracted
	m.mu.RUnlock()
	if extracted != nil {
		<-extracted
	}

	m.hooksMu.Lock()
	m.finished = true
	hooks := m.doneHooks
	m.doneHooks = nil
	m.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	close(m.done)
}

func (m *Mount) extract(ctx context.Context, done chan struct{}) {
	defer close(done)
	// If extraction stops early the pump must not block on this branch.
	defer m.meta.Close()

	if m.extractor == nil {
		return
	}

	err := m.extractor.Extract(ctx, m.meta, m.MimeType(), m.observe)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.ErrClosedPipe) {
		m.logger.Debug("metadata extraction stopped", "err", err)
	}
}

func (m *Mount) observe(md Metadata) {
	m.mu.Lock()
	m.last = &md
	m.mu.Unlock()

	m.metrics.metadataUpdated(m.id)
	m.logger.Debug("metadata updated", "artist", md.Artist, "title", md.Title, "album", md.Album)

	m.hooksMu.Lock()
	hooks := slices.Clone(m.metadataHooks)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(md)
	}
}
