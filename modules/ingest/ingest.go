package ingest

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/iceingest/pkg/icecast"
)

var module = "ingest"

// Ingest runs the source server as a service and hands new mounts to its
// subscribers.
type Ingest struct {
	services.Service
	cfg    *Config
	logger *slog.Logger
	server *icecast.Server

	mu          sync.RWMutex
	subscribers []func(icecast.MountEvent)
}

// New creates and returns a new Ingest.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Ingest, error) {
	scfg, err := cfg.serverConfig()
	if err != nil {
		return nil, err
	}

	i := &Ingest{
		cfg:    &cfg,
		logger: logger.With("module", module),
	}

	i.server = icecast.NewServer(scfg, i.logger,
		icecast.WithRegisterer(reg),
		icecast.WithAuthenticator(cfg.authenticator()),
	)
	i.server.OnHead(i.onHead)
	i.server.OnMount(i.onMount)

	i.Service = services.NewBasicService(i.starting, i.running, i.stopping)

	return i, nil
}

// Subscribe registers fn to receive every new mount. A subscriber owns the
// mount's audio stream and must read or close it.
func (i *Ingest) Subscribe(fn func(icecast.MountEvent)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subscribers = append(i.subscribers, fn)
}

// Server returns the underlying source server.
func (i *Ingest) Server() *icecast.Server { return i.server }

// Addr returns the bound address once the service is running.
func (i *Ingest) Addr() net.Addr { return i.server.Addr() }

func (i *Ingest) starting(_ context.Context) error {
	if err := i.server.Listen(i.cfg.Port); err != nil {
		return errors.Wrap(err, "failed to start source server")
	}
	return nil
}

func (i *Ingest) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (i *Ingest) stopping(_ error) error {
	i.logger.Info("stopping")

	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.ShutdownTimeout)
	defer cancel()

	return i.server.Close(ctx)
}

func (i *Ingest) onHead(req *icecast.Request) {
	i.logger.Debug("request", "method", req.Method, "path", req.Path, "remote", req.RemoteAddr(),
		"agent", req.Header.Get(icecast.HeaderUserAgent))
}

func (i *Ingest) onMount(ev icecast.MountEvent) {
	m := ev.Mount
	logger := i.logger.With("mount", ev.ID, "session", m.Session())

	m.OnMetadata(func(md icecast.Metadata) {
		logger.Info("now playing", "artist", md.Artist, "title", md.Title, "album", md.Album)
	})
	m.OnDone(func() {
		logger.Info("mount finished", "state", m.State().String())
	})

	i.mu.RLock()
	subs := slices.Clone(i.subscribers)
	i.mu.RUnlock()

	if len(subs) == 0 {
		// Keep the metadata branch flowing.
		_ = m.AudioStream().Close()
		return
	}

	for _, fn := range subs {
		fn(ev)
	}
}
