package icecast

import (
	"context"
	"io"

	"github.com/zachfi/iceingest/pkg/tagstream"
)

// Metadata is a snapshot of the tags most recently seen in a mount's stream.
type Metadata struct {
	Format string
	Artist string
	Title  string
	Album  string
}

// MetadataExtractor observes a mount's stream and reports tag snapshots in
// the order they appear. Extract returns when r is exhausted.
type MetadataExtractor interface {
	Extract(ctx context.Context, r io.Reader, mimeType string, observe func(Metadata)) error
}

// TagExtractor extracts ID3v2, Vorbis comment and FLAC tags.
type TagExtractor struct {
	// MaxTagBytes bounds the size of a single buffered tag block.
	MaxTagBytes int
}

func (e TagExtractor) Extract(ctx context.Context, r io.Reader, mimeType string, observe func(Metadata)) error {
	s := tagstream.NewScanner(mimeType, e.MaxTagBytes)
	return s.Scan(ctx, r, func(t tagstream.Tags) {
		observe(Metadata{
			Format: t.Format,
			Artist: t.Artist,
			Title:  t.Title,
			Album:  t.Album,
		})
	})
}
