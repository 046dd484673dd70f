package scanner

import (
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/fsutil"
)

// FrameName returns the file name of the frame at zero-based index,
// numbered from 001.
func FrameName(index int) string {
	return fmt.Sprintf("%03d.png", index+1)
}

// FrameWriter stores captured frames as numbered PNG files in one directory.
type FrameWriter struct {
	fs  fsutil.FileSystem
	dir string
}

// NewFrameWriter returns a writer for dir on fs.
func NewFrameWriter(fs fsutil.FileSystem, dir string) *FrameWriter {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &FrameWriter{fs: fs, dir: dir}
}

// Dir returns the output directory.
func (w *FrameWriter) Dir() string { return w.dir }

// Prepare creates the output directory for a scan and removes every
// numbered frame an earlier scan left there, so the directory only ever
// holds frames of one scan. Other files are kept.
func (w *FrameWriter) Prepare() error {
	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", w.dir, err)
	}
	names, err := w.fs.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("list output directory %s: %w", w.dir, err)
	}
	for _, name := range names {
		if !IsFrameName(name) {
			continue
		}
		stale := filepath.Join(w.dir, name)
		if err := w.fs.Remove(stale); err != nil {
			return fmt.Errorf("remove stale frame %s: %w", stale, err)
		}
	}
	return nil
}

// IsFrameName reports whether name has the FrameName form: three or more
// digits followed by ".png".
func IsFrameName(name string) bool {
	stem, ok := strings.CutSuffix(name, ".png")
	if !ok || len(stem) < 3 {
		return false
	}
	for _, c := range stem {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Write stores img as the frame at index and returns its path.
func (w *FrameWriter) Write(index int, img image.Image) (string, error) {
	data, err := camera.EncodePNG(img, png.DefaultCompression)
	if err != nil {
		return "", err
	}
	path := filepath.Join(w.dir, FrameName(index))
	if err := w.fs.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write frame %s: %w", path, err)
	}
	return path, nil
}
