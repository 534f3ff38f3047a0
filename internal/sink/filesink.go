// Package sink writes verified pieces to their final on-disk location.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
)

// Sink accepts verified, in-order-or-not piece data at its piece index and
// places it at the correct file offset. Implementations must be safe for
// concurrent calls to WritePiece from multiple goroutines, since pieces
// complete in whatever order peers deliver them.
type Sink interface {
	WritePiece(index int, pieceLength int32, data []byte) error
	Close() error
}

// FileSink writes directly into a single pre-allocated file on disk, the
// only on-disk layout this engine supports; multi-file torrents are a
// Non-goal.
type FileSink struct {
	f        *os.File
	pieceLen int32
}

// NewFileSink creates (or truncates) path to exactly size bytes and returns
// a Sink that writes pieces into it at their natural offset.
func NewFileSink(path string, size int64, pieceLen int32) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: opening %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: truncating %s: %w", path, err)
	}

	return &FileSink{f: f, pieceLen: pieceLen}, nil
}

// WritePiece writes data at the file offset implied by index, using the
// fixed piece length given to NewFileSink. The pieceLength argument is not
// read; the number of bytes written is len(data), which covers the final,
// possibly shorter piece.
func (s *FileSink) WritePiece(index int, pieceLength int32, data []byte) error {
	offset := int64(index) * int64(s.pieceLen)

	n, err := s.f.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("sink: write piece %d: %w", index, err)
	}
	if n != len(data) {
		return fmt.Errorf("sink: incomplete write for piece %d: wrote %d, want %d", index, n, len(data))
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("sink: sync: %w", err)
	}
	return s.f.Close()
}
