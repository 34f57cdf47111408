package ingest

import (
	"flag"
	"time"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/iceingest/pkg/icecast"
	"github.com/zachfi/iceingest/pkg/tagstream"
)

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultMaxHeadBytes         = 8 * 1024
	defaultAudioBufferChunks    = 64
	defaultMetadataBufferChunks = 16

	// sourceUser is the account source-password applies to.
	sourceUser = "source"
)

type Config struct {
	ListenAddress        string            `yaml:"listen-address,omitempty"`
	Port                 int               `yaml:"port,omitempty"`
	HandshakeTimeout     time.Duration     `yaml:"handshake-timeout,omitempty"`
	MaxHeadBytes         int               `yaml:"max-head-bytes,omitempty"`
	AudioBufferChunks    int               `yaml:"audio-buffer-chunks,omitempty"`    // chunks queued for the audio consumer before the source is throttled
	MetadataBufferChunks int               `yaml:"metadata-buffer-chunks,omitempty"` // same, for the tag extractor
	MaxTagBytes          int               `yaml:"max-tag-bytes,omitempty"`
	MountConflict        string            `yaml:"mount-conflict,omitempty"`
	ShutdownTimeout      time.Duration     `yaml:"shutdown-timeout,omitempty"`
	SourcePassword       string            `yaml:"source-password,omitempty"`
	Users                map[string]string `yaml:"users,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, util.PrefixConfig(prefix, "listen-address"), "", "The address to accept source connections on. Empty listens on all interfaces.")
	f.IntVar(&cfg.Port, util.PrefixConfig(prefix, "port"), icecast.DefaultPort, "The port to accept source connections on.")
	f.DurationVar(&cfg.HandshakeTimeout, util.PrefixConfig(prefix, "handshake-timeout"), defaultHandshakeTimeout,
		"How long a source may take to send its request head.")
	f.IntVar(&cfg.MaxHeadBytes, util.PrefixConfig(prefix, "max-head-bytes"), defaultMaxHeadBytes, "Largest accepted request head in bytes.")
	f.IntVar(&cfg.AudioBufferChunks, util.PrefixConfig(prefix, "audio-buffer-chunks"), defaultAudioBufferChunks,
		"Chunks of audio buffered per mount before reading from the source pauses.")
	f.IntVar(&cfg.MetadataBufferChunks, util.PrefixConfig(prefix, "metadata-buffer-chunks"), defaultMetadataBufferChunks,
		"Chunks buffered per mount for metadata extraction before reading from the source pauses.")
	f.IntVar(&cfg.MaxTagBytes, util.PrefixConfig(prefix, "max-tag-bytes"), tagstream.DefaultMaxTagBytes,
		"Largest tag block held in memory. Larger tags are skipped.")
	f.StringVar(&cfg.MountConflict, util.PrefixConfig(prefix, "mount-conflict"), string(icecast.ConflictReplace),
		"What to do when a source mounts a live mount: replace the old source or reject the new one.")
	f.DurationVar(&cfg.ShutdownTimeout, util.PrefixConfig(prefix, "shutdown-timeout"), defaultShutdownTimeout,
		"How long to wait for mounts and handshakes to finish on shutdown.")
	f.StringVar(&cfg.SourcePassword, util.PrefixConfig(prefix, "source-password"), "",
		"Password for the source user. When neither this nor users is set every source is accepted.")
}

func (cfg *Config) serverConfig() (icecast.Config, error) {
	policy := icecast.ConflictPolicy(cfg.MountConflict)
	switch policy {
	case "", icecast.ConflictReplace, icecast.ConflictReject:
	default:
		return icecast.Config{}, errors.Errorf("invalid mount-conflict %q, expected %q or %q",
			cfg.MountConflict, icecast.ConflictReplace, icecast.ConflictReject)
	}

	return icecast.Config{
		ListenAddress:        cfg.ListenAddress,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		MaxHeadBytes:         cfg.MaxHeadBytes,
		AudioBufferChunks:    cfg.AudioBufferChunks,
		MetadataBufferChunks: cfg.MetadataBufferChunks,
		MaxTagBytes:          cfg.MaxTagBytes,
		MountConflict:        policy,
	}, nil
}

// authenticator returns nil when no credentials are configured.
func (cfg *Config) authenticator() icecast.Authenticator {
	users := make(map[string]string, len(cfg.Users)+1)
	for u, p := range cfg.Users {
		users[u] = p
	}
	if cfg.SourcePassword != "" {
		users[sourceUser] = cfg.SourcePassword
	}

	if len(users) == 0 {
		return nil
	}
	return icecast.StaticAuthenticator(users)
}
