// Package transcribe turns a voice/audio attachment into text via an
// OpenAI-compatible transcription endpoint, using the go-openai client
// configured for Whisper-style audio transcription instead of chat
// completion.
package transcribe

import (
	"context"
	"fmt"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"clawdis/internal/biz/repo"
)

// Client implements repo.TranscribeRepo against an OpenAI-compatible
// transcription API.
type Client struct {
	client *openai.Client
	model  string
}

// NewClient builds a transcription client. An empty baseURL uses the
// official OpenAI endpoint; model defaults to "whisper-1".
func NewClient(apiKey, baseURL, model string) *Client {
	if model == "" {
		model = "whisper-1"
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

var _ repo.TranscribeRepo = (*Client)(nil)

// Transcribe uploads the audio file at audioPath and returns its text.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("transcribe: stat %s: %w", audioPath, err)
	}

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: audioPath,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", audioPath, err)
	}

	return resp.Text, nil
}
