package recorder

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// minWriteBufSize and maxWriteBufSize clamp the configured write buffer to avoid
// tiny writes or very large buffers.
const (
	minWriteBufSize = 32 * 1024       // 32 KiB
	maxWriteBufSize = 4 * 1024 * 1024 // 4 MiB

	// maxSyncSearch is how much leading data is held back looking for an
	// MP3 frame sync before it is written anyway.
	maxSyncSearch = 8192
)

func clampWriteBufSize(n int) int {
	if n < minWriteBufSize {
		return minWriteBufSize
	}
	if n > maxWriteBufSize {
		return maxWriteBufSize
	}
	return n
}

// trackWriter records one track into a temp file next to destPath. Nothing
// touches the disk until the first byte arrives.
type trackWriter struct {
	logger   *slog.Logger
	destPath string
	ext      string

	f         *os.File
	syncFound bool
	pending   []byte // held back until frame sync
	writeBuf  []byte // batched writes
}

func newTrackWriter(logger *slog.Logger, destPath, ext string, bufSize int) *trackWriter {
	return &trackWriter{
		logger:   logger,
		destPath: destPath,
		ext:      ext,
		// Only mp3 is trimmed to a frame boundary.
		syncFound: ext != "mp3",
		writeBuf:  make([]byte, 0, clampWriteBufSize(bufSize)),
	}
}

func (w *trackWriter) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	if !w.syncFound {
		w.pending = append(w.pending, b...)
		pos := findMP3FrameSync(w.pending)
		switch {
		case pos >= 0:
			b = w.pending[pos:]
		case len(w.pending) > maxSyncSearch:
			w.logger.Warn("no MP3 frame sync found in first 8KB, writing anyway", "path", w.destPath)
			b = w.pending
		default:
			return nil
		}
		w.syncFound = true
		w.pending = nil
	}

	w.writeBuf = append(w.writeBuf, b...)
	if len(w.writeBuf) >= cap(w.writeBuf) {
		return w.flush()
	}
	return nil
}

func (w *trackWriter) flush() error {
	if len(w.writeBuf) == 0 {
		return nil
	}

	if w.f == nil {
		dir := filepath.Dir(w.destPath)
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Wrap(err, "error creating mount directory")
		}
		f, err := os.CreateTemp(dir, "*."+w.ext+".tmp")
		if err != nil {
			return errors.Wrap(err, "error creating temp file")
		}
		w.f = f
	}

	if _, err := w.f.Write(w.writeBuf); err != nil {
		return errors.Wrap(err, "error writing to file")
	}
	w.writeBuf = w.writeBuf[:0]
	return nil
}

// close flushes what is buffered and commits the temp file. Data still held
// back waiting for a frame sync is written as is.
func (w *trackWriter) close() {
	if len(w.pending) > 0 {
		w.writeBuf = append(w.writeBuf, w.pending...)
		w.pending = nil
	}
	if err := w.flush(); err != nil {
		w.logger.Error("error flushing recording", "err", err, "path", w.destPath)
	}

	if w.f == nil {
		return
	}

	tempPath := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.logger.Error("error syncing file", "err", err)
	}
	if err := w.f.Close(); err != nil {
		w.logger.Error("error closing file", "err", err)
	}
	w.f = nil

	commitTempFile(w.logger, tempPath, w.destPath)
}

// commitTempFile renames tempPath to destPath only if dest doesn't exist or
// the temp file is larger, so a short recording never replaces a longer one.
func commitTempFile(logger *slog.Logger, tempPath, destPath string) {
	tempInfo, err := os.Stat(tempPath)
	if err != nil {
		logger.Error("error stating temp file", "err", err, "path", tempPath)
		_ = os.Remove(tempPath)
		return
	}

	destInfo, err := os.Stat(destPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		logger.Error("error stating dest file", "err", err, "path", destPath)
		_ = os.Remove(tempPath)
		return
	case tempInfo.Size() <= destInfo.Size():
		_ = os.Remove(tempPath)
		logger.Debug("discarded shorter recording", "path", destPath, "temp_size", tempInfo.Size(), "existing_size", destInfo.Size())
		return
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		logger.Error("error renaming temp to dest", "err", err, "temp", tempPath, "dest", destPath)
		_ = os.Remove(tempPath)
		return
	}
	logger.Info("saved recording", "path", destPath, "size", tempInfo.Size())
}
