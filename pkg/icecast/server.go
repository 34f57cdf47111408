package icecast

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/iceingest/pkg/tagstream"
)

// DefaultPort is the conventional Icecast port.
const DefaultPort = 8000

const tracerName = "github.com/zachfi/iceingest/pkg/icecast"

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultMaxHeadBytes         = 8 * 1024
	defaultAudioBufferChunks    = 64
	defaultMetadataBufferChunks = 16
)

// ConflictPolicy decides what happens when a source mounts an identifier
// that is already live.
type ConflictPolicy string

const (
	// ConflictReplace registers the new mount and closes the old one.
	ConflictReplace ConflictPolicy = "replace"
	// ConflictReject refuses the new source with 409.
	ConflictReject ConflictPolicy = "reject"
)

// Config holds the recognised server settings. Zero values take defaults.
type Config struct {
	// ListenAddress is the address to bind; empty binds all interfaces.
	ListenAddress string
	// HandshakeTimeout bounds the wait for a complete request head.
	HandshakeTimeout time.Duration
	// MaxHeadBytes bounds the size of a request head.
	MaxHeadBytes int
	// AudioBufferChunks is how many read chunks the audio stream buffers
	// before the source is throttled.
	AudioBufferChunks int
	// MetadataBufferChunks is the same bound for the metadata branch.
	MetadataBufferChunks int
	// MaxTagBytes bounds a single tag block held by the default extractor.
	MaxTagBytes int
	// MountConflict selects the policy for an identifier that is taken.
	MountConflict ConflictPolicy
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.MaxHeadBytes <= 0 {
		c.MaxHeadBytes = defaultMaxHeadBytes
	}
	if c.AudioBufferChunks <= 0 {
		c.AudioBufferChunks = defaultAudioBufferChunks
	}
	if c.MetadataBufferChunks <= 0 {
		c.MetadataBufferChunks = defaultMetadataBufferChunks
	}
	if c.MaxTagBytes <= 0 {
		c.MaxTagBytes = tagstream.DefaultMaxTagBytes
	}
	if c.MountConflict == "" {
		c.MountConflict = ConflictReplace
	}
	return c
}

// MountEvent announces a newly registered mount.
type MountEvent struct {
	ID    string
	Mount *Mount
}

// Option configures a Server.
type Option func(*Server)

// WithRegisterer enables metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.metrics = newMetrics(reg) }
}

// WithExtractor replaces the default TagExtractor.
func WithExtractor(e MetadataExtractor) Option {
	return func(s *Server) { s.extractor = e }
}

// WithTracerProvider traces handshakes with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp.Tracer(tracerName) }
}

func WithAuthenticator(fn Authenticator) Option {
	return func(s *Server) { s.SetAuthenticator(fn) }
}

// Server accepts source connections, runs the handshake and keeps the
// registry of live mounts.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics
	tracer    trace.Tracer
	registry  *Registry
	extractor MetadataExtractor

	mu            sync.Mutex
	authenticator Authenticator
	listener      net.Listener
	acceptDone    chan struct{}
	closed        bool
	pending       map[net.Conn]struct{}
	handlers      sync.WaitGroup

	hooksMu    sync.RWMutex
	headHooks  []func(*Request)
	mountHooks []func(MountEvent)
	errorHooks []func(error)
}

func NewServer(cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		tracer:        otel.Tracer(tracerName),
		registry:      NewRegistry(),
		extractor:     TagExtractor{MaxTagBytes: cfg.MaxTagBytes},
		authenticator: AllowAll,
		pending:       make(map[net.Conn]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.registry.metrics = s.metrics

	return s
}

// SetAuthenticator replaces the authenticator. A nil fn restores AllowAll.
func (s *Server) SetAuthenticator(fn Authenticator) {
	if fn == nil {
		fn = AllowAll
	}
	s.mu.Lock()
	s.authenticator = fn
	s.mu.Unlock()
}

// OnHead registers fn to be called with every successfully parsed request.
func (s *Server) OnHead(fn func(*Request)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.headHooks = append(s.headHooks, fn)
}

// OnMount registers fn to be called once per new mount. The mount is already
// in the registry and has not read any audio yet.
func (s *Server) OnMount(fn func(MountEvent)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.mountHooks = append(s.mountHooks, fn)
}

// OnError registers fn to be called with every rejected handshake.
func (s *Server) OnError(fn func(error)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.errorHooks = append(s.errorHooks, fn)
}

func (s *Server) Registry() *Registry { return s.registry }

// Mount returns the live mount registered under id.
func (s *Server) Mount(id string) (*Mount, bool) { return s.registry.Get(id) }

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds port and starts accepting sources. Calling it again while
// listening does nothing. Port 0 picks a free port.
func (s *Server) Listen(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.listener = ln
	s.acceptDone = make(chan struct{})
	s.logger.Info("listening for sources", "addr", ln.Addr().String())

	go s.serve(ln, s.acceptDone)
	return nil
}

// Close closes every registered mount, then the listener, and waits for
// in-flight handshakes until ctx expires. An authenticator call in progress
// is not interrupted.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln, acceptDone := s.listener, s.acceptDone
	pending := make([]net.Conn, 0, len(s.pending))
	for conn := range s.pending {
		pending = append(pending, conn)
	}
	s.mu.Unlock()

	mounts := s.registry.Drain()
	for _, m := range mounts {
		if err := m.Close(); err != nil {
			s.logger.Debug("error closing mount", "mount", m.ID(), "err", err)
		}
	}
	for _, m := range mounts {
		select {
		case <-m.Done():
			s.metrics.forgetMount(m.ID())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("closed mounts", "count", len(mounts))

	now := time.Now()
	for _, conn := range pending {
		_ = conn.SetReadDeadline(now)
	}

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = errors.Wrap(cerr, "failed to close listener")
		}
		select {
		case <-acceptDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("stopped")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serve(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("error accepting connection", "err", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.handlers.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.handlers.Done()

	s.metrics.connectionAccepted()
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("connection accepted")

	ctx, span := s.tracer.Start(context.Background(), "icecast.handshake",
		trace.WithAttributes(attribute.String("net.peer", conn.RemoteAddr().String())))
	defer span.End()

	m, err := s.handshake(ctx, conn)
	if err != nil {
		code, message := statusFor(err)
		span.SetAttributes(attribute.Int("http.status_code", code))
		span.SetStatus(codes.Error, errors.Wrap(err, "handshake failed").Error())
		s.reject(conn, err, code, message, logger)
		return
	}

	span.SetAttributes(
		attribute.String("mount", m.ID()),
		attribute.Int("http.status_code", 100),
	)
	span.SetStatus(codes.Ok, "ok")
}

func (s *Server) handshake(ctx context.Context, conn net.Conn) (*Mount, error) {
	if !s.track(conn) {
		return nil, ErrShuttingDown
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	head, rest, err := readHead(conn, s.cfg.MaxHeadBytes)
	s.untrack(conn)
	if err != nil {
		if s.isClosed() {
			return nil, errors.Wrap(ErrShuttingDown, err.Error())
		}
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err := buildRequest(head, conn)
	if err != nil {
		return nil, err
	}
	s.emitHead(req)

	return s.handleRequest(ctx, req, rest)
}

// handleRequest runs the ingest checks in protocol order and, when they all
// pass, registers and starts the mount.
func (s *Server) handleRequest(ctx context.Context, req *Request, rest []byte) (*Mount, error) {
	if req.Method != http.MethodPut {
		return nil, ErrInvalidMethod
	}

	value := req.Header.Get(HeaderAuthorization)
	if value == "" {
		return nil, ErrAuthMissing
	}

	creds, ok := DecodeBasic(value)
	if !ok {
		return nil, ErrAuthDecode
	}

	authContext, err := s.authenticate(ctx, creds, req)
	if err != nil {
		return nil, errors.Wrap(err, "authenticator failed")
	}
	if authContext == nil || authContext == false {
		return nil, ErrForbidden
	}

	id := req.MountID()
	if id == "" {
		return nil, ErrRootMount
	}

	m := newMount(id, req, authContext, rest, mountOptions{
		audioDepth:    s.cfg.AudioBufferChunks,
		metadataDepth: s.cfg.MetadataBufferChunks,
		extractor:     s.extractor,
		logger:        s.logger,
		metrics:       s.metrics,
	})

	prev, err := s.register(id, m)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		s.logger.Info("mount superseded", "mount", id, "session", prev.Session())
		if err := prev.Close(); err != nil {
			s.logger.Debug("error closing superseded mount", "mount", id, "err", err)
		}
	}

	m.OnDone(func() {
		// A superseded mount leaves the series to its replacement.
		if s.registry.Remove(id, m) {
			s.metrics.forgetMount(id)
			s.logger.Debug("mount removed", "mount", id, "state", m.State().String())
		}
	})

	s.logger.Info("mount created", "mount", id, "session", m.Session(),
		"type", m.MimeType(), "agent", m.UserAgent(), "public", m.IsPublic())
	s.emitMount(MountEvent{ID: id, Mount: m})

	m.start()
	if err := m.sendContinue(); err != nil {
		m.fail(errors.Wrap(err, "failed to write continue"))
	}

	return m, nil
}

func (s *Server) authenticate(ctx context.Context, creds Credentials, req *Request) (authContext any, err error) {
	s.mu.Lock()
	fn := s.authenticator
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("authenticator panic: %v", r)
		}
	}()

	return fn(ctx, creds, req)
}

func (s *Server) register(id string, m *Mount) (*Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShuttingDown
	}

	var prev *Mount
	switch s.cfg.MountConflict {
	case ConflictReject:
		if !s.registry.PutIfAbsent(id, m) {
			return nil, ErrMountInUse
		}
	default:
		prev = s.registry.Put(id, m)
	}

	s.metrics.mountCreated()
	return prev, nil
}

func (s *Server) reject(conn net.Conn, err error, code int, message string, logger *slog.Logger) {
	s.metrics.handshakeRejected(code)
	s.emitError(err)
	logger.Info("handshake rejected", "code", code, "err", err)

	_ = conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	if _, werr := io.WriteString(conn, FormatResponse(code, message, true)); werr != nil {
		logger.Debug("error writing rejection", "err", werr)
	}
	_ = conn.Close()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.pending, conn)
	s.mu.Unlock()
}

func (s *Server) emitHead(req *Request) {
	s.hooksMu.RLock()
	hooks := slices.Clone(s.headHooks)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(req)
	}
}

func (s *Server) emitMount(ev MountEvent) {
	s.hooksMu.RLock()
	hooks := slices.Clone(s.mountHooks)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

func (s *Server) emitError(err error) {
	s.hooksMu.RLock()
	hooks := slices.Clone(s.errorHooks)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}
