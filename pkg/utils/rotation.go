package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	Filename string `yaml:"-" json:"-"`

	// MaxSizeMB rotates once the file would exceed this many megabytes (0 disables)
	MaxSizeMB int64 `yaml:"max_size_mb" json:"max_size_mb"`

	// MaxBackups bounds retained rotated files (0 keeps all)
	MaxBackups int `yaml:"max_backups" json:"max_backups"`

	// Compress gzips rotated files
	Compress bool `yaml:"compress" json:"compress"`
}

// LogRotator is a size-rotated file sink usable as a zapcore.WriteSyncer
type LogRotator struct {
	mu sync.Mutex

	config *RotationConfig
	file   *os.File
	size   int64
	seq    int
}

// NewLogRotator creates a new log rotator
func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil || config.Filename == "" {
		return nil, fmt.Errorf("rotation filename is required")
	}

	lr := &LogRotator{config: config}
	if err := lr.open(); err != nil {
		return nil, err
	}
	return lr, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}

	if max := lr.config.MaxSizeMB << 20; max > 0 && lr.size > 0 && lr.size+int64(len(p)) > max {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Sync flushes the log file
func (lr *LogRotator) Sync() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	return lr.file.Sync()
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate forces an immediate rotation
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) open() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	lr.file = file
	lr.size = info.Size()
	return nil
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return err
		}
		lr.file = nil
	}

	lr.seq++
	backup := lr.backupName(time.Now().UTC(), lr.seq)
	if err := os.Rename(lr.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}

	if lr.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress %s: %v\n", backup, err)
		}
	}
	lr.prune()

	return lr.open()
}

func (lr *LogRotator) backupName(ts time.Time, seq int) string {
	ext := filepath.Ext(lr.config.Filename)
	prefix := strings.TrimSuffix(lr.config.Filename, ext)
	return fmt.Sprintf("%s-%s.%03d%s", prefix, ts.Format("20060102T150405"), seq, ext)
}

// backups returns rotated files, oldest first
func (lr *LogRotator) backups() []string {
	ext := filepath.Ext(lr.config.Filename)
	prefix := strings.TrimSuffix(filepath.Base(lr.config.Filename), ext) + "-"

	entries, err := os.ReadDir(filepath.Dir(lr.config.Filename))
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		names = append(names, filepath.Join(filepath.Dir(lr.config.Filename), e.Name()))
	}
	sort.Strings(names)
	return names
}

func (lr *LogRotator) prune() {
	if lr.config.MaxBackups <= 0 {
		return
	}
	names := lr.backups()
	for len(names) > lr.config.MaxBackups {
		_ = os.Remove(names[0])
		names = names[1:]
	}
}

func compressFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
