package app

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"testing"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/iceingest/modules/ingest"
)

func TestStartedFields(t *testing.T) {
	cfg := Config{Target: All}
	cfg.Ingest.RegisterFlagsAndApplyDefaults("ingest", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.Ingest.ListenAddress = "127.0.0.1"
	cfg.Ingest.Port = 0

	logger := *slog.New(slog.NewTextHandler(io.Discard, nil))
	a := &App{cfg: cfg, logger: logger}
	assert.Equal(t, []any{"target", All}, a.startedFields())

	i, err := ingest.New(cfg.Ingest, logger, nil)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), i))
	defer func() { _ = services.StopAndAwaitTerminated(context.Background(), i) }()
	a.ingest = i

	assert.Equal(t, []any{"target", All, "sources", i.Addr().String(), "auth", "open"}, a.startedFields())

	a.cfg.Ingest.SourcePassword = "hackme"
	assert.Equal(t, []any{"target", All, "sources", i.Addr().String()}, a.startedFields())
}
