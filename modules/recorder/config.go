package recorder

import (
	"flag"

	"github.com/zachfi/zkit/pkg/util"
)

// Write buffer sizing guidance (write-buffer-size):
// - SSD wear: fewer, larger writes reduce I/O overhead; 256KiB-1MiB is a good range.
// - NFS: larger buffers amortize round-trip cost.
// - Upper bound: clamped to 4MiB per mount to limit memory.
const defaultWriteBufferSize = 256 * 1024

type Config struct {
	Enabled         bool   `yaml:"enabled"`
	Dir             string `yaml:"dir,omitempty"`
	WriteBufferSize int    `yaml:"write-buffer-size,omitempty"` // bytes to buffer before writing
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, util.PrefixConfig(prefix, "enabled"), true, "Record every mount to disk.")
	f.StringVar(&cfg.Dir, util.PrefixConfig(prefix, "dir"), "", "The directory to save recordings in. Each mount gets a subdirectory.")
	f.IntVar(&cfg.WriteBufferSize, util.PrefixConfig(prefix, "write-buffer-size"), defaultWriteBufferSize,
		"Bytes to buffer in memory before writing to disk (default 256KiB). Larger values reduce write frequency.")
}
