package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Whisper is a [Transcriber] backed by a running whisper.cpp server
// (POST /inference).
type Whisper struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

var _ Transcriber = (*Whisper)(nil)

// WhisperOption is a functional option for [NewWhisper].
type WhisperOption func(*Whisper)

// WithLanguage sets the language code forwarded to the server. Default: "en".
func WithLanguage(lang string) WhisperOption {
	return func(w *Whisper) {
		w.language = lang
	}
}

// WithWhisperTimeout sets the HTTP timeout per request. Default: 15s.
func WithWhisperTimeout(d time.Duration) WhisperOption {
	return func(w *Whisper) {
		if d > 0 {
			w.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewWhisper returns a client for the whisper.cpp server at serverURL
// (e.g. "http://localhost:8080").
func NewWhisper(serverURL string, opts ...WhisperOption) (*Whisper, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	w := &Whisper{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   "en",
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Transcribe implements [Transcriber].
func (w *Whisper) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format: %w", err)
	}
	if w.language != "" {
		if err := mw.WriteField("language", w.language); err != nil {
			return "", fmt.Errorf("whisper: write language: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return result.Text, nil
}
