package recorder

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/zachfi/iceingest/pkg/icecast"
)

const maxStemLength = 200

// extensionFor maps a source content type to a file extension.
func extensionFor(mimeType string) string {
	mt, _, _ := strings.Cut(strings.ToLower(mimeType), ";")

	switch strings.TrimSpace(mt) {
	case "audio/mpeg", "audio/mp3", "audio/mpeg3":
		return "mp3"
	case "audio/ogg", "application/ogg", "audio/vorbis", "audio/opus":
		return "ogg"
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/aac", "audio/aacp", "audio/x-aac":
		return "aac"
	case "audio/webm", "video/webm":
		return "webm"
	default:
		return "bin"
	}
}

// trackStem names a recording after its metadata, or returns "" when there is
// nothing to name it after.
func trackStem(md icecast.Metadata) string {
	switch {
	case md.Artist != "" && md.Title != "":
		return sanitize(md.Artist + " - " + md.Title)
	case md.Title != "":
		return sanitize(md.Title)
	default:
		return ""
	}
}

// sanitize makes s safe to use as a single path element.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == 0:
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, s)

	s = strings.Trim(strings.TrimSpace(s), ".")
	if len(s) > maxStemLength {
		s = strings.ToValidUTF8(s[:maxStemLength], "")
	}
	return s
}

// mountDir returns the directory recordings of mount id go to. Each path
// segment of the identifier is sanitized so it cannot escape root.
func mountDir(root, id string) string {
	parts := []string{root}
	for _, seg := range strings.Split(id, "/") {
		if seg = sanitize(seg); seg != "" {
			parts = append(parts, seg)
		}
	}
	return filepath.Join(parts...)
}
