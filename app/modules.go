package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/iceingest/modules/ingest"
	"github.com/zachfi/iceingest/modules/recorder"
)

const (
	Server string = "server"

	Ingest   string = "ingest"
	Recorder string = "recorder"

	All string = "all"
)

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(kitlog.NewLogfmtLogger(os.Stderr))
	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)

	mm.RegisterModule(Ingest, a.initIngest)
	mm.RegisterModule(Recorder, a.initRecorder)

	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server:       nil,
		Ingest:   {Server},
		Recorder: {Ingest},

		All: {Ingest, Recorder},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm

	return nil
}

func (a *App) initIngest() (services.Service, error) {
	i, err := ingest.New(a.cfg.Ingest, a.logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Ingest)
	}

	a.ingest = i
	return i, nil
}

func (a *App) initRecorder() (services.Service, error) {
	if !a.cfg.Recorder.Enabled {
		a.logger.Info("recorder disabled")
		return nil, nil
	}

	r, err := recorder.New(a.cfg.Recorder, a.logger, a.ingest)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Recorder)
	}

	return r, nil
}

func (a *App) initServer() (services.Service, error) {
	a.cfg.Server.MetricsNamespace = metricsNamespace
	a.cfg.Server.ExcludeRequestInLog = true
	a.cfg.Server.RegisterInstrumentation = true
	a.cfg.Server.Log = kitlog.NewLogfmtLogger(os.Stderr)

	server, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range a.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}

		return svs
	}

	a.Server = server

	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}

			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		slog.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn), nil
}
