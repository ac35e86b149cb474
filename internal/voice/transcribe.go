package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/metrics"
)

// WhisperClient uploads artifacts to a whisper server's /transcribe route.
type WhisperClient struct {
	URL      string
	MinBytes int64
	HTTP     *http.Client

	log     logging.Logger
	metrics *metrics.Metrics
}

func NewWhisperClient(url string, minBytes int64, timeout time.Duration, log logging.Logger, m *metrics.Metrics) *WhisperClient {
	if log == nil {
		log = logging.Nop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &WhisperClient{
		URL:      strings.TrimRight(url, "/"),
		MinBytes: minBytes,
		HTTP:     &http.Client{Timeout: timeout},
		log:      log,
		metrics:  m,
	}
}

type transcribeResponse struct {
	Transcription string `json:"transcription"`
}

// Transcribe returns "" without a network call when the artifact is smaller
// than MinBytes.
func (w *WhisperClient) Transcribe(ctx context.Context, path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: stat artifact: %v", ErrRecoverable, err)
	}
	if st.Size() < w.MinBytes {
		w.metrics.ArtifactsSkipped.Inc()
		w.log.Debugw("whisper: artifact below threshold, skipping", "path", path, "bytes", st.Size(), "min_bytes", w.MinBytes)
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open artifact: %v", ErrRecoverable, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecoverable, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("%w: read artifact: %v", ErrRecoverable, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecoverable, err)
	}

	w.metrics.TranscriptionRequests.Inc()
	start := time.Now()
	resp, err := postOnce(ctx, w.HTTP, w.URL+"/transcribe", mw.FormDataContentType(), &body, "", "")
	w.metrics.TranscriptionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.metrics.TranscriptionFailures.Inc()
		return "", err
	}
	defer resp.Body.Close()

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		w.metrics.TranscriptionFailures.Inc()
		return "", fmt.Errorf("%w: decode transcription: %v", ErrRecoverable, err)
	}
	text := strings.TrimSpace(out.Transcription)
	if text == "" {
		w.metrics.EmptyTranscripts.Inc()
	}
	w.log.Debugw("whisper: transcribed", "path", path, "chars", len(text), "latency_ms", time.Since(start).Milliseconds())
	return text, nil
}
