package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig controls size based rotation of a log file.
type RotationConfig struct {
	// MaxSizeMB is the size in megabytes that triggers a rotation (0 = never rotate)
	MaxSizeMB int64 `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep (0 = keep all)
	MaxBackups int `yaml:"max_backups"`

	// Compress gzips rotated files
	Compress bool `yaml:"compress"`
}

// LogRotator is an io.WriteCloser that rotates its file once it grows past the configured size.
type LogRotator struct {
	mu sync.Mutex

	filename string
	config   RotationConfig
	file     *os.File
	size     int64
	now      func() time.Time
}

// NewLogRotator opens (or creates) filename for appending.
func NewLogRotator(filename string, config RotationConfig) (*LogRotator, error) {
	if filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}

	lr := &LogRotator{filename: filename, config: config, now: time.Now}
	if err := lr.openFile(); err != nil {
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
	if limit := lr.config.MaxSizeMB * 1024 * 1024; limit > 0 && lr.size > 0 && lr.size+int64(len(p)) > limit {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the current file.
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

// Rotate forces a rotation.
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		lr.file = nil
	}

	backup := lr.backupName(lr.now().UTC())
	if err := os.Rename(lr.filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	// Compression and pruning failures must not stop logging.
	if lr.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to compress log file %s: %v\n", backup, err)
		}
	}
	if err := lr.pruneBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prune log backups: %v\n", err)
	}

	return lr.openFile()
}

func (lr *LogRotator) openFile() error {
	if err := os.MkdirAll(filepath.Dir(lr.filename), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(lr.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
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

// backupName turns pool.log into pool-2006-01-02T15-04-05.000.log.
func (lr *LogRotator) backupName(t time.Time) string {
	prefix, ext := lr.split()
	return filepath.Join(filepath.Dir(lr.filename), prefix+"-"+t.Format("2006-01-02T15-04-05.000")+ext)
}

func (lr *LogRotator) split() (prefix, ext string) {
	base := filepath.Base(lr.filename)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// pruneBackups keeps the newest MaxBackups rotated files. Backup names sort chronologically.
func (lr *LogRotator) pruneBackups() error {
	if lr.config.MaxBackups <= 0 {
		return nil
	}

	dir := filepath.Dir(lr.filename)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	prefix, ext := lr.split()
	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			backups = append(backups, name)
		}
	}
	if len(backups) <= lr.config.MaxBackups {
		return nil
	}

	sort.Strings(backups)
	for _, name := range backups[:len(backups)-lr.config.MaxBackups] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(filename+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}
