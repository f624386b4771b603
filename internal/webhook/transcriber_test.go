package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAudioClient struct {
	req  openai.AudioRequest
	body []byte
	text string
	err  error
}

func (f *fakeAudioClient) CreateTranscription(_ context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	f.req = req
	if req.Reader != nil {
		f.body, _ = io.ReadAll(req.Reader)
	}
	if f.err != nil {
		return openai.AudioResponse{}, f.err
	}
	return openai.AudioResponse{Text: f.text}, nil
}

func TestWhisperTranscriber_InlineData(t *testing.T) {
	client := &fakeAudioClient{text: "  olá  "}
	tr := newWhisperTranscriber(client, "")

	text, err := tr.Transcribe(context.Background(), Audio{Data: []byte("OggS"), MimeType: "audio/ogg; codecs=opus"})
	require.NoError(t, err)
	assert.Equal(t, "olá", text)
	assert.Equal(t, openai.Whisper1, client.req.Model)
	assert.Equal(t, "audio.ogg", client.req.FilePath)
	assert.Equal(t, "pt", client.req.Language)
	assert.Equal(t, []byte("OggS"), client.body)
}

func TestWhisperTranscriber_DownloadsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio"))
	}))
	defer srv.Close()

	client := &fakeAudioClient{text: "marcar horário"}
	tr := newWhisperTranscriber(client, "whisper-large")

	text, err := tr.Transcribe(context.Background(), Audio{URL: srv.URL + "/a.mp3", MimeType: "audio/mpeg"})
	require.NoError(t, err)
	assert.Equal(t, "marcar horário", text)
	assert.Equal(t, "whisper-large", client.req.Model)
	assert.Equal(t, "audio.mp3", client.req.FilePath)
	assert.Equal(t, []byte("ID3-audio"), client.body)
}

func TestWhisperTranscriber_DownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := &fakeAudioClient{}
	tr := newWhisperTranscriber(client, "")

	_, err := tr.Transcribe(context.Background(), Audio{URL: srv.URL})
	require.Error(t, err)
	assert.Nil(t, client.body)
}

func TestWhisperTranscriber_APIError(t *testing.T) {
	tr := newWhisperTranscriber(&fakeAudioClient{err: errors.New("rate limited")}, "")

	_, err := tr.Transcribe(context.Background(), Audio{Data: []byte("x")})
	assert.ErrorContains(t, err, "rate limited")
}

func TestAudioFilename(t *testing.T) {
	assert.Equal(t, "audio.ogg", audioFilename(""))
	assert.Equal(t, "audio.mp3", audioFilename("audio/mpeg"))
	assert.Equal(t, "audio.m4a", audioFilename("audio/mp4"))
	assert.Equal(t, "audio.wav", audioFilename("audio/wav"))
	assert.Equal(t, "audio.webm", audioFilename("audio/webm;codecs=opus"))
}

type stubTranscriber struct {
	text  string
	err   error
	calls int
}

func (s *stubTranscriber) Transcribe(context.Context, Audio) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestTranscribeMessage(t *testing.T) {
	voice := func() *InboundMessage {
		return &InboundMessage{IsAudio: true, Text: AudioPlaceholder, Audio: &Audio{URL: "https://mmg.example/a.enc"}}
	}
	tests := []struct {
		name       string
		msg        *InboundMessage
		tr         *stubTranscriber
		wantText   string
		wantFailed bool
		wantErr    bool
		wantCalls  int
	}{
		{name: "transcribed", msg: voice(), tr: &stubTranscriber{text: " Bom dia "}, wantText: "Bom dia", wantCalls: 1},
		{name: "api error", msg: voice(), tr: &stubTranscriber{err: errors.New("boom")}, wantText: AudioPlaceholder, wantFailed: true, wantErr: true, wantCalls: 1},
		{name: "empty result", msg: voice(), tr: &stubTranscriber{text: "   "}, wantText: AudioPlaceholder, wantFailed: true, wantErr: true, wantCalls: 1},
		{name: "no transcriber", msg: voice(), wantText: AudioPlaceholder, wantFailed: true, wantErr: true},
		{
			name:       "no audio source",
			msg:        &InboundMessage{IsAudio: true, Text: AudioPlaceholder},
			tr:         &stubTranscriber{text: "x"},
			wantText:   AudioPlaceholder,
			wantFailed: true,
			wantErr:    true,
		},
		{name: "text message untouched", msg: &InboundMessage{Text: "Oi"}, tr: &stubTranscriber{text: "x"}, wantText: "Oi"},
		{
			name:      "already transcribed",
			msg:       &InboundMessage{IsAudio: true, Text: "Bom dia", Audio: &Audio{URL: "u"}},
			tr:        &stubTranscriber{text: "x"},
			wantText:  "Bom dia",
			wantCalls: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tr Transcriber
			if tt.tr != nil {
				tr = tt.tr
			}
			err := TranscribeMessage(context.Background(), tr, tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantText, tt.msg.Text)
			assert.Equal(t, tt.wantFailed, tt.msg.TranscriptionFailed)
			if tt.tr != nil {
				assert.Equal(t, tt.wantCalls, tt.tr.calls)
			}
		})
	}
}
