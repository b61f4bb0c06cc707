package data

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawdis/internal/biz/domain"
)

// TempStore is the single per-user directory that hosts streaming downloads
// (spec §4.9). Selection order: explicit env override, then the preferred
// brand dir, then a legacy brand dir, then a workspace fallback, then OS tmp.
type TempStore struct {
	dir    string
	prefix string
}

// NewTempStore picks the first writable candidate directory and ensures it
// exists. prefix names the download family (e.g. "telegram-dl") used both
// for file naming and for the orphan sweep.
func NewTempStore(envOverride, preferredDir, legacyDir, workspaceFallback, prefix string) (*TempStore, error) {
	candidates := []string{envOverride, preferredDir, legacyDir, workspaceFallback, os.TempDir()}

	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		probe := filepath.Join(dir, ".clawdis-write-probe")
		if err := os.WriteFile(probe, []byte("x"), 0o600); err != nil {
			continue
		}
		os.Remove(probe)
		return &TempStore{dir: dir, prefix: prefix}, nil
	}

	return nil, domain.NewError(domain.KindInternal, fmt.Errorf("no writable temp directory among candidates"))
}

// NewPath allocates a unique, unclaimed path under the store using a random
// UUID token, matching the on-disk naming in spec §6
// ("<prefix>-<uuid>.tmp").
func (s *TempStore) NewPath(ext string) string {
	name := fmt.Sprintf("%s-%s%s", s.prefix, uuid.NewString(), ext)
	return filepath.Join(s.dir, name)
}

// NewTempFile wraps a freshly-created path with a release closure that is
// best-effort and idempotent: it never returns an error and is safe to call
// more than once, even concurrently with a failure-path defer.
func (s *TempStore) NewTempFile(path string, size int64, contentType string) *domain.TempFile {
	return domain.NewTempFile(path, size, contentType, func() {
		_ = os.Remove(path)
	})
}

// SweepOrphans deletes files under the store matching this store's prefix
// that are older than ttl, called once at provider startup.
func (s *TempStore) SweepOrphans(ttl time.Duration) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-ttl)
	swept := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), s.prefix+"-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(s.dir, e.Name())) == nil {
			swept++
		}
	}
	return swept
}

// Dir returns the resolved directory, mainly for logging.
func (s *TempStore) Dir() string { return s.dir }
