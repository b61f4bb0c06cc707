package repo

import "context"

// TranscribeRepo turns an audio/voice attachment into text for the "Media
// preprocessing" step of the auto-reply pipeline (spec §4.6 step 3).
type TranscribeRepo interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}
