package upload

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"goods-admin-proxy/internal/config"
	"goods-admin-proxy/internal/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			UploadDir:           filepath.Join(t.TempDir(), "uploads"),
			UploadMaxAgeSeconds: 60,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStore(cfg, logger, metrics.New())
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s
}

func TestStore_SaveAndRemove(t *testing.T) {
	s := newTestStore(t)

	f, err := s.Save("images", "photo.JPG", "image/jpeg", strings.NewReader("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if f.Size != int64(len("jpeg-bytes")) {
		t.Errorf("Size = %d, want %d", f.Size, len("jpeg-bytes"))
	}
	if filepath.Dir(f.Path) != s.Dir() {
		t.Errorf("Path %q not under %q", f.Path, s.Dir())
	}
	if !strings.HasSuffix(f.Path, ".jpg") {
		t.Errorf("Path %q should keep the lower-cased extension", f.Path)
	}
	if f.Field != "images" || f.Filename != "photo.JPG" || f.ContentType != "image/jpeg" {
		t.Errorf("unexpected metadata: %+v", f)
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("content = %q, want %q", data, "jpeg-bytes")
	}

	if err := s.Remove(f); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(f.Path); !os.IsNotExist(err) {
		t.Errorf("file still exists after Remove(): %v", err)
	}

	// Removing twice is fine.
	if err := s.Remove(f, nil); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func TestStore_SaveFailureLeavesNoFile(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Save("images", "a.png", "image/png", failingReader{}); err == nil {
		t.Fatal("Save() expected error, got nil")
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("upload dir has %d entries after failed save, want 0", len(entries))
	}
}

func TestStore_ConcurrentSavesAreUnique(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	const n = 20
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := s.Save("images", "same.png", "image/png", strings.NewReader("x"))
			errs[i] = err
			if f != nil {
				paths[i] = f.Path
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Save() #%d error = %v", i, errs[i])
		}
		if seen[paths[i]] {
			t.Fatalf("duplicate temp path %q", paths[i])
		}
		seen[paths[i]] = true
	}
}

func TestStore_Sweep(t *testing.T) {
	s := newTestStore(t)

	stale, err := s.Save("images", "old.png", "image/png", strings.NewReader("old"))
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := s.Save("images", "new.png", "image/png", strings.NewReader("new"))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale.Path, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() removed %d, want 1", removed)
	}
	if _, err := os.Stat(stale.Path); !os.IsNotExist(err) {
		t.Error("stale file survived Sweep()")
	}
	if _, err := os.Stat(fresh.Path); err != nil {
		t.Errorf("fresh file removed by Sweep(): %v", err)
	}
}

func TestStore_SweepMissingDir(t *testing.T) {
	cfg := &config.Config{Proxy: config.ProxyConfig{UploadDir: "/nonexistent/goods-proxy-uploads"}}
	s := NewStore(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	removed, err := s.Sweep()
	if err != nil || removed != 0 {
		t.Errorf("Sweep() = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestSafeExt(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"photo.jpg", ".jpg"},
		{"PHOTO.PNG", ".png"},
		{"archive.tar.gz", ".gz"},
		{"noext", ""},
		{"trailing.", ""},
		{"evil.p$p", ""},
		{"long.abcdefghijkl", ""},
		{"상품.webp", ".webp"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := safeExt(tt.filename); got != tt.want {
				t.Errorf("safeExt(%q) = %q, want %q", tt.filename, got, tt.want)
			}
		})
	}
}
