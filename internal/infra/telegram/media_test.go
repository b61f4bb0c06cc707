package telegram

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"clawdis/internal/biz/domain"
)

func TestClassifyDocument_VoiceWinsOverVideoAndAudio(t *testing.T) {
	doc := &tg.Document{Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeVideo{},
		&tg.DocumentAttributeAudio{Voice: true},
	}}
	if got := classifyDocument(doc); got != domain.MediaVoice {
		t.Fatalf("got %q, want voice", got)
	}
}

func TestClassifyDocument_VideoWinsOverAudio(t *testing.T) {
	doc := &tg.Document{Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeAudio{},
		&tg.DocumentAttributeVideo{},
	}}
	if got := classifyDocument(doc); got != domain.MediaVideo {
		t.Fatalf("got %q, want video", got)
	}
}

func TestClassifyDocument_AudioWithoutVoiceFlag(t *testing.T) {
	doc := &tg.Document{Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeAudio{Voice: false},
	}}
	if got := classifyDocument(doc); got != domain.MediaAudio {
		t.Fatalf("got %q, want audio", got)
	}
}

func TestClassifyDocument_FilenameOrNoneFallsThroughToDocument(t *testing.T) {
	withName := &tg.Document{Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeFilename{FileName: "report.pdf"},
	}}
	if got := classifyDocument(withName); got != domain.MediaDocument {
		t.Fatalf("got %q, want document", got)
	}

	bare := &tg.Document{}
	if got := classifyDocument(bare); got != domain.MediaDocument {
		t.Fatalf("got %q, want document", got)
	}
}

func TestSizeLimitedWriter_AbortsPastLimit(t *testing.T) {
	var buf bytes.Buffer
	w := newSizeLimitedWriter(&buf, 10)

	if _, err := w.Write([]byte("12345")); err != nil {
		t.Fatalf("unexpected error under limit: %v", err)
	}
	if _, err := w.Write([]byte("123456")); err == nil {
		t.Fatal("expected error once cumulative size exceeds limit")
	}
}

func TestSweepOrphans_RemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, downloadNamePrefix+"stale.tmp")
	fresh := filepath.Join(dir, downloadNamePrefix+"fresh.tmp")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fresh, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	swept, err := sweepOrphans(dir, downloadNamePrefix, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected stale file to be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("expected fresh file to remain")
	}
}

func TestSweepOrphans_IgnoresFilesWithoutThePrefix(t *testing.T) {
	dir := t.TempDir()
	unrelated := filepath.Join(dir, "not-ours.tmp")
	if err := os.WriteFile(unrelated, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(unrelated, old, old); err != nil {
		t.Fatal(err)
	}

	swept, err := sweepOrphans(dir, downloadNamePrefix, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept = %d, want 0", swept)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatal("expected file without the download prefix to remain")
	}
}

func TestSweepOrphans_MissingDirIsNotError(t *testing.T) {
	if _, err := sweepOrphans(filepath.Join(t.TempDir(), "missing"), downloadNamePrefix, time.Hour, time.Now()); err != nil {
		t.Fatalf("unexpected error for missing dir: %v", err)
	}
}
