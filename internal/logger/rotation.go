package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotationConfig configures a RotatingWriter
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// RotatingWriter appends to a log file and moves it aside once it grows past
// MaxSizeMB. Safe for concurrent use.
type RotatingWriter struct {
	cfg     RotationConfig
	maxSize int64

	mu   sync.Mutex
	file *os.File
	size int64
	wg   sync.WaitGroup
}

// NewRotatingWriter opens (or creates) the log file
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{cfg: cfg, maxSize: int64(cfg.MaxSizeMB) * 1024 * 1024}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the limit
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", w.cfg.Filename, time.Now().Format("20060102-150405.000000"))
	if err := os.Rename(w.cfg.Filename, rotated); err != nil {
		return err
	}

	if w.cfg.Compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if compress(rotated) == nil {
				w.prune()
			}
		}()
	} else {
		w.prune()
	}

	return w.open()
}

// backups lists rotated files, oldest first
func (w *RotatingWriter) backups() []string {
	matches, err := filepath.Glob(w.cfg.Filename + ".*")
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

func (w *RotatingWriter) prune() {
	if w.cfg.MaxBackups <= 0 {
		return
	}
	backups := w.backups()
	for len(backups) > w.cfg.MaxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}

func compress(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
