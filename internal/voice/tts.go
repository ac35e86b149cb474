package voice

import (
	"context"
	"fmt"
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/discord-voice-agent/internal/logging"
)

// CoquiClient synthesizes speech with a Coqui TTS server's /api/tts route.
type CoquiClient struct {
	URL       string
	SpeakerID string
	AuthToken string
	HTTP      *http.Client

	log logging.Logger
}

func NewCoquiClient(baseURL, speakerID, authToken string, timeout time.Duration, log logging.Logger) *CoquiClient {
	if log == nil {
		log = logging.Nop()
	}
	return &CoquiClient{
		URL:       strings.TrimRight(baseURL, "/"),
		SpeakerID: speakerID,
		AuthToken: authToken,
		HTTP:      &http.Client{Timeout: timeout},
		log:       log,
	}
}

// Synthesize returns the rendered clip bytes.
func (c *CoquiClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c == nil || c.URL == "" {
		return nil, fmt.Errorf("%w: tts client not configured", ErrRecoverable)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("text", text); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoverable, err)
	}
	if c.SpeakerID != "" {
		if err := mw.WriteField("speaker_id", c.SpeakerID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecoverable, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoverable, err)
	}
	resp, err := postOnce(ctx, c.HTTP, c.URL+"/api/tts", mw.FormDataContentType(), &body, c.AuthToken, "")
	if err != nil {
		c.log.Debugw("tts: request failed", "err", err)
		return nil, err
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read tts body: %v", ErrRecoverable, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: tts returned no audio", ErrRecoverable)
	}
	c.log.Debugw("tts: synthesized", "chars", len(text), "bytes", len(audio))
	return audio, nil
}
