package recorder

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/zachfi/iceingest/pkg/icecast"
)

var module = "recorder"

const readBufSize = 32 * 1024

// Source delivers new mounts to the recorder.
type Source interface {
	Subscribe(fn func(icecast.MountEvent))
}

// Recorder writes the audio of every mount to disk, starting a new file each
// time the track metadata changes.
type Recorder struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	mu       sync.Mutex
	stopped  bool
	sessions map[string]*session
	wg       sync.WaitGroup
}

// New creates and returns a new Recorder subscribed to src. A nil src leaves
// the caller to deliver mounts through Record.
func New(cfg Config, logger slog.Logger, src Source) (*Recorder, error) {
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = defaultWriteBufferSize
	}

	r := &Recorder{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		sessions: make(map[string]*session),
	}

	if src != nil {
		src.Subscribe(r.Record)
	}

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r, nil
}

func (r *Recorder) starting(_ context.Context) error {
	if r.cfg.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.cfg.Dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "failed to create recording directory")
	}
	return nil
}

func (r *Recorder) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *Recorder) stopping(_ error) error {
	r.logger.Info("stopping")

	r.mu.Lock()
	r.stopped = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	// Unblocks each session's read; what was already written is committed.
	for _, s := range sessions {
		_ = s.audio.Close()
	}
	r.wg.Wait()

	return nil
}

// Record starts recording the mount in ev. It takes ownership of the mount's
// audio stream.
func (r *Recorder) Record(ev icecast.MountEvent) {
	m := ev.Mount
	audio := m.AudioStream()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = audio.Close()
		return
	}

	s := &session{
		r:      r,
		audio:  audio,
		dir:    mountDir(r.cfg.Dir, ev.ID),
		ext:    extensionFor(m.MimeType()),
		stem:   m.Session(),
		logger: r.logger.With("mount", ev.ID, "session", m.Session()),
	}
	r.sessions[m.Session()] = s
	r.wg.Add(1)
	r.mu.Unlock()

	m.OnMetadata(s.onMetadata)

	s.logger.Info("recording", "dir", s.dir, "type", s.ext)
	go func() {
		defer r.wg.Done()
		defer r.forget(m.Session())
		s.run()
	}()
}

// Active returns the number of mounts being recorded.
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Recorder) forget(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

type session struct {
	r      *Recorder
	audio  io.ReadCloser
	dir    string
	ext    string
	logger *slog.Logger

	mu   sync.Mutex
	stem string
	next string
}

func (s *session) onMetadata(md icecast.Metadata) {
	stem := trackStem(md)
	if stem == "" {
		return
	}

	s.mu.Lock()
	s.next = stem
	s.mu.Unlock()
}

// rotation returns the stem to switch to, or "" to keep the current file.
func (s *session) rotation() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next == "" || s.next == s.stem {
		s.next = ""
		return ""
	}
	s.stem, s.next = s.next, ""
	return s.stem
}

func (s *session) path(stem string) string {
	return filepath.Join(s.dir, stem+"."+s.ext)
}

func (s *session) run() {
	defer s.audio.Close()

	w := newTrackWriter(s.logger, s.path(s.stem), s.ext, s.r.cfg.WriteBufferSize)
	defer func() { w.close() }()

	buf := make([]byte, readBufSize)
	for {
		n, err := s.audio.Read(buf)
		if n > 0 {
			if stem := s.rotation(); stem != "" {
				s.logger.Debug("starting new track", "stem", stem)
				w.close()
				w = newTrackWriter(s.logger, s.path(stem), s.ext, s.r.cfg.WriteBufferSize)
			}

			if werr := w.write(buf[:n]); werr != nil {
				s.logger.Error("recording stopped", "err", werr)
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Warn("mount ended with error", "err", err)
			}
			return
		}
	}
}
