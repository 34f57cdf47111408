package app

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/zachfi/iceingest/modules/ingest"
	"github.com/zachfi/iceingest/modules/recorder"
)

type Config struct {
	Target   string          `yaml:"target"`
	Tracing  tracing.Config  `yaml:"tracing,omitempty"`
	Server   server.Config   `yaml:"server,omitempty"`
	Ingest   ingest.Config   `yaml:"ingest,omitempty"`
	Recorder recorder.Config `yaml:"recorder,omitempty"`
}

// LoadConfig loads file over the flag defaults.
func LoadConfig(file string) (Config, error) {
	filename, _ := filepath.Abs(file)

	config := Config{}
	config.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.ContinueOnError))
	err := loadYamlFile(filename, &config)
	if err != nil {
		return config, errors.Wrap(err, "failed to load yaml file")
	}

	return config, nil
}

// loadYamlFile strictly unmarshals a YAML file into d.
func loadYamlFile(filename string, d any) error {
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(yamlFile, d)
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	flagext.DefaultValues(&c.Server)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3030, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9090, "gRPC server listen port.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Ingest.RegisterFlagsAndApplyDefaults("ingest", f)
	c.Recorder.RegisterFlagsAndApplyDefaults("recorder", f)
}
