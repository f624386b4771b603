package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const maxAudioBytes = 16 << 20

type transcriptionClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// ErrNoTranscriber is returned by TranscribeMessage when no transcriber is
// configured.
var ErrNoTranscriber = errors.New("webhook: no transcriber configured")

// TranscribeMessage replaces the placeholder text of a voice note with its
// transcription. On any failure the placeholder stays, TranscriptionFailed
// is set and the cause is returned. Messages that do not need transcription
// are left untouched.
func TranscribeMessage(ctx context.Context, t Transcriber, msg *InboundMessage) error {
	if !msg.NeedsTranscription() {
		return nil
	}
	fail := func(err error) error {
		msg.Text = AudioPlaceholder
		msg.TranscriptionFailed = true
		return err
	}
	if t == nil {
		return fail(ErrNoTranscriber)
	}
	if msg.Audio == nil || (msg.Audio.URL == "" && len(msg.Audio.Data) == 0) {
		return fail(errors.New("webhook: voice note has no audio source"))
	}
	text, err := t.Transcribe(ctx, *msg.Audio)
	if err != nil {
		return fail(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fail(errors.New("webhook: empty transcription"))
	}
	msg.Text = text
	return nil
}

// WhisperTranscriber transcribes voice notes with the OpenAI audio API.
type WhisperTranscriber struct {
	client   transcriptionClient
	http     *http.Client
	model    string
	language string
}

// NewWhisperTranscriber builds a transcriber. baseURL may point at any
// OpenAI-compatible endpoint; empty uses the default.
func NewWhisperTranscriber(apiKey, baseURL, model string) *WhisperTranscriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return newWhisperTranscriber(openai.NewClientWithConfig(cfg), model)
}

func newWhisperTranscriber(client transcriptionClient, model string) *WhisperTranscriber {
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{
		client:   client,
		http:     &http.Client{Timeout: 20 * time.Second},
		model:    model,
		language: "pt",
	}
}

// Transcribe downloads the audio when only a URL is given and returns the
// recognized text.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio Audio) (string, error) {
	data := audio.Data
	if len(data) == 0 {
		var err error
		if data, err = t.download(ctx, audio.URL); err != nil {
			return "", err
		}
	}
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: audioFilename(audio.MimeType),
		Reader:   bytes.NewReader(data),
		Language: t.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("webhook: transcribe audio: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (t *WhisperTranscriber) download(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook: audio has no url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("webhook: build audio request: %w", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook: download audio: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("webhook: read audio: %w", err)
	}
	if len(data) > maxAudioBytes {
		return nil, fmt.Errorf("webhook: audio exceeds %d bytes", maxAudioBytes)
	}
	return data, nil
}

// audioFilename picks an extension the transcription API recognizes.
func audioFilename(mime string) string {
	mime = strings.ToLower(mime)
	switch {
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return "audio.mp3"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"), strings.Contains(mime, "aac"):
		return "audio.m4a"
	case strings.Contains(mime, "wav"):
		return "audio.wav"
	case strings.Contains(mime, "webm"):
		return "audio.webm"
	default:
		return "audio.ogg"
	}
}
