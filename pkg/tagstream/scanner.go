// Package tagstream extracts track tags from a live audio byte stream.
//
// Source clients announce a new track by emitting a tag block in-band: an
// ID3v2 tag in MPEG streams, a fresh Vorbis header set (with its comment
// packet) in Ogg streams, or a metadata block run in FLAC streams. The
// Scanner looks for these blocks while the stream flows past, buffers only the
// block itself, and decodes it with github.com/dhowden/tag.
package tagstream

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/dhowden/tag"
	"github.com/pkg/errors"
)

// DefaultMaxTagBytes bounds how much of a single tag block is buffered.
const DefaultMaxTagBytes = 1 << 20

// Tags is one decoded tag block.
type Tags struct {
	Format string
	Artist string
	Title  string
	Album  string
}

func (t Tags) empty() bool {
	return t.Artist == "" && t.Title == "" && t.Album == ""
}

type marker struct {
	magic  []byte
	header int
	// length inspects at least header bytes starting at magic. It reports the
	// full block length, or -1 when the block has to be decoded to find its
	// end, and false if the bytes only look like a marker by accident.
	length func(p []byte) (int, bool)
}

var (
	id3Marker = marker{
		magic:  []byte("ID3"),
		header: 10,
		length: func(p []byte) (int, bool) {
			if p[3] < 2 || p[3] > 4 || p[4] == 0xFF {
				return 0, false
			}
			for _, b := range p[6:10] {
				if b&0x80 != 0 {
					return 0, false
				}
			}
			size := int(p[6])<<21 | int(p[7])<<14 | int(p[8])<<7 | int(p[9])
			n := 10 + size
			if p[5]&0x10 != 0 {
				n += 10
			}
			return n, true
		},
	}

	// Only beginning-of-stream pages start a header set.
	oggMarker = marker{
		magic:  []byte("OggS"),
		header: 27,
		length: func(p []byte) (int, bool) {
			return -1, p[4] == 0 && p[5]&0x02 != 0
		},
	}

	// The first metadata block of a FLAC stream is always STREAMINFO.
	flacMarker = marker{
		magic:  []byte("fLaC"),
		header: 8,
		length: func(p []byte) (int, bool) {
			return -1, p[4]&0x7F == 0
		},
	}
)

func markersFor(mimeType string) []marker {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "audio/mpeg", "audio/mp3", "audio/mpeg3":
		return []marker{id3Marker}
	case "audio/ogg", "application/ogg", "audio/vorbis", "video/ogg":
		return []marker{oggMarker}
	case "audio/flac", "audio/x-flac":
		return []marker{flacMarker}
	default:
		return []marker{id3Marker, oggMarker, flacMarker}
	}
}

// Scanner finds and decodes tag blocks in a byte stream. A Scanner is not
// safe for concurrent use.
type Scanner struct {
	markers     []marker
	maxTagBytes int

	pending []byte
	// want is the length of the block being captured, -1 when its end is
	// found by decoding, 0 when not capturing.
	want int
	skip int
	last *Tags
}

// NewScanner returns a Scanner for a stream of the given MIME type. Unknown
// types are scanned for every supported block kind.
func NewScanner(mimeType string, maxTagBytes int) *Scanner {
	if maxTagBytes <= 0 {
		maxTagBytes = DefaultMaxTagBytes
	}
	return &Scanner{
		markers:     markersFor(mimeType),
		maxTagBytes: maxTagBytes,
	}
}

// Scan reads r until EOF, calling observe for every decoded block that
// differs from the previous one, in stream order.
func (s *Scanner) Scan(ctx context.Context, r io.Reader, observe func(Tags)) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			s.feed(buf[:n], observe)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *Scanner) feed(p []byte, observe func(Tags)) {
	s.pending = append(s.pending, p...)

	for {
		if s.skip > 0 {
			if len(s.pending) < s.skip {
				s.skip -= len(s.pending)
				s.pending = s.pending[:0]
				return
			}
			s.pending = s.pending[s.skip:]
			s.skip = 0
		}

		if s.want != 0 {
			if !s.capture(observe) {
				return
			}
			continue
		}

		i, m := s.nextMarker()
		if m == nil {
			s.keepTail()
			return
		}
		s.pending = s.pending[i:]
		if len(s.pending) < m.header {
			return
		}

		n, ok := m.length(s.pending)
		switch {
		case !ok:
			s.pending = s.pending[1:]
		case n > s.maxTagBytes:
			s.skip = n
		default:
			s.want = n
		}
	}
}

// capture advances the block being captured. It reports whether scanning can
// continue with the remaining pending bytes.
func (s *Scanner) capture(observe func(Tags)) bool {
	if s.want > 0 {
		if len(s.pending) < s.want {
			return false
		}
		if t, err := decode(s.pending[:s.want]); err == nil {
			s.emit(t, observe)
		}
		s.pending = s.pending[s.want:]
		s.want = 0
		return true
	}

	t, err := decode(s.pending)
	if err != nil && truncated(err) && len(s.pending) < s.maxTagBytes {
		return false
	}
	if err == nil {
		s.emit(t, observe)
	}
	// Step over the magic so the same block is not matched again.
	s.pending = s.pending[1:]
	s.want = 0
	return true
}

func (s *Scanner) emit(t Tags, observe func(Tags)) {
	if t.empty() {
		return
	}
	if s.last != nil && *s.last == t {
		return
	}
	s.last = &t
	observe(t)
}

func (s *Scanner) nextMarker() (int, *marker) {
	at := -1
	var found *marker
	for i := range s.markers {
		m := &s.markers[i]
		if j := bytes.Index(s.pending, m.magic); j >= 0 && (at < 0 || j < at) {
			at, found = j, m
		}
	}
	return at, found
}

// keepTail drops scanned bytes, keeping enough to match a marker split across
// reads.
func (s *Scanner) keepTail() {
	const tail = 3
	if len(s.pending) <= tail {
		return
	}
	s.pending = append(s.pending[:0], s.pending[len(s.pending)-tail:]...)
}

func truncated(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func decode(p []byte) (Tags, error) {
	m, err := tag.ReadFrom(bytes.NewReader(p))
	if err != nil {
		return Tags{}, err
	}
	return Tags{
		Format: string(m.Format()),
		Artist: m.Artist(),
		Title:  m.Title(),
		Album:  m.Album(),
	}, nil
}
