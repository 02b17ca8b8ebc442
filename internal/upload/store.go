// Package upload spools multipart file parts to a temp directory while a
// request is rebuilt for the backend.
package upload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"goods-admin-proxy/internal/config"
	"goods-admin-proxy/internal/metrics"
)

// maxExtLen bounds the extension kept from a client-supplied filename.
const maxExtLen = 10

// Store owns the temp upload directory.
type Store struct {
	dir     string
	maxAge  time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// File is one spooled file part.
type File struct {
	Field       string
	Filename    string
	ContentType string
	Path        string
	Size        int64
}

// NewStore creates a Store rooted at proxy.upload_dir.
// The metrics parameter is optional; pass nil to disable upload metrics.
func NewStore(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		dir:     cfg.Proxy.UploadDir,
		maxAge:  time.Duration(cfg.Proxy.UploadMaxAgeSeconds) * time.Second,
		logger:  logger.With("component", "upload_store"),
		metrics: m,
		now:     time.Now,
	}
}

// Dir returns the directory files are spooled to.
func (s *Store) Dir() string {
	return s.dir
}

// Init creates the upload directory if it does not exist.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create upload dir %s: %w", s.dir, err)
	}
	return nil
}

// Save copies r into a new file in the upload directory. File names are
// <unix-nano>-<uuid><ext>, unique across concurrent requests.
// A partially written file is removed before an error is returned.
func (s *Store) Save(field, filename, contentType string, r io.Reader) (*File, error) {
	path := filepath.Join(s.dir, s.tempName(filename))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp upload: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write temp upload %s: %w", filepath.Base(path), err)
	}

	if s.metrics != nil {
		s.metrics.UploadedFiles.Inc()
	}
	s.logger.Debug("spooled upload",
		"field", field,
		"filename", filename,
		"bytes", n,
		"path", path,
	)

	return &File{
		Field:       field,
		Filename:    filename,
		ContentType: contentType,
		Path:        path,
		Size:        n,
	}, nil
}

// Remove deletes the spooled files. A file that is already gone is not an error.
// Every file is attempted; failures are logged, counted and joined.
func (s *Store) Remove(files ...*File) error {
	var errs []error
	for _, f := range files {
		if f == nil {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if s.metrics != nil {
				s.metrics.CleanupFailures.Inc()
			}
			s.logger.Error("removing temp upload", "err", err, "path", f.Path)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep removes regular files older than the configured max age. It cleans up
// after a process that died between spooling and cleanup.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read upload dir: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("sweeping stale upload", "err", err, "name", e.Name())
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) tempName(filename string) string {
	return fmt.Sprintf("%d-%s%s", s.now().UnixNano(), uuid.NewString(), safeExt(filename))
}

// safeExt returns the lower-cased extension of filename if it is short and
// alphanumeric, otherwise "".
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
