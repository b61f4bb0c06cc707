// Package telegram implements the Telegram provider (spec §4.4) over
// gotd/td's native MTProto client. This file holds the pure media-kind
// dispatch, size-enforcement, and orphan-sweep helpers; provider.go wires
// them into the tg.Client/session plumbing.
package telegram

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"clawdis/internal/biz/domain"
)

// classifyDocument implements spec §4.4's exact dispatch order: photos are
// handled separately by the caller before this is reached; among
// documents, a voice attribute wins over video, which wins over audio,
// and a filename attribute (or none) falls through to document.
func classifyDocument(doc *tg.Document) domain.MediaKind {
	var hasVideo, hasAudio, hasFilename bool
	var isVoice bool

	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeAudio:
			hasAudio = true
			if a.Voice {
				isVoice = true
			}
		case *tg.DocumentAttributeVideo:
			hasVideo = true
		case *tg.DocumentAttributeFilename:
			if a.FileName != "" {
				hasFilename = true
			}
		}
	}

	switch {
	case isVoice:
		return domain.MediaVoice
	case hasVideo:
		return domain.MediaVideo
	case hasAudio:
		return domain.MediaAudio
	case hasFilename:
		return domain.MediaDocument
	default:
		return domain.MediaDocument
	}
}

// sizeLimitedWriter wraps an io.Writer and errors out once the cumulative
// byte count written exceeds limit, the "inline size-tracking transform"
// spec §4.4 requires for outbound media streamed from a URL.
type sizeLimitedWriter struct {
	dst     io.Writer
	limit   int64
	written int64
}

func newSizeLimitedWriter(dst io.Writer, limit int64) *sizeLimitedWriter {
	return &sizeLimitedWriter{dst: dst, limit: limit}
}

var errMediaTooLarge = fmt.Errorf("media exceeds configured maxMediaSize")

func (w *sizeLimitedWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.written > w.limit {
		return 0, errMediaTooLarge
	}
	return w.dst.Write(p)
}

// sweepOrphans deletes files under dir older than ttl and matching prefix,
// the startup cleanup spec §4.4 requires for the outbound-media temp
// directory. Only files this provider itself could have created are
// touched; anything else sharing the directory is left alone.
func sweepOrphans(dir string, prefix string, ttl time.Duration, now time.Time) (swept int, err error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sweep orphans: read %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= ttl {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if rmErr := os.Remove(path); rmErr == nil {
			swept++
		}
	}
	return swept, nil
}
