package data

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTempStore_NewPath_UsesPrefixAndUUID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTempStore("", dir, "", "", "telegram-dl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := store.NewPath(".tmp")
	if filepath.Dir(p) != dir {
		t.Fatalf("expected path under %s, got %s", dir, p)
	}
	if filepath.Ext(p) != ".tmp" {
		t.Fatalf("expected .tmp extension, got %s", p)
	}
}

func TestTempFile_ReleaseRemovesFileOnAllPaths(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTempStore("", dir, "", "", "telegram-dl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := store.NewPath(".tmp")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tf := store.NewTempFile(path, 4, "application/octet-stream")
	tf.Release()
	tf.Release() // idempotent, must not panic

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be gone, stat err = %v", err)
	}
}

func TestTempStore_SweepOrphans_RespectsTTLAndPrefix(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTempStore("", dir, "", "", "telegram-dl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	old := filepath.Join(dir, "telegram-dl-aaa.tmp")
	if err := os.WriteFile(old, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	os.Chtimes(old, time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour))

	unrelated := filepath.Join(dir, "other-file.txt")
	if err := os.WriteFile(unrelated, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	os.Chtimes(unrelated, time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour))

	swept := store.SweepOrphans(time.Hour)
	if swept != 1 {
		t.Fatalf("expected 1 swept file, got %d", swept)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("unrelated file should survive: %v", err)
	}
}
