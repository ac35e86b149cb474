package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discord-voice-agent/internal/logging"
)

func TestCoquiPostsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tts", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "hi there", r.MultipartForm.Value["text"][0])
		require.Equal(t, []string{"p313"}, r.MultipartForm.Value["speaker_id"])
		_, _ = w.Write([]byte("RIFFfake"))
	}))
	defer srv.Close()

	c := NewCoquiClient(srv.URL, "p313", "secret", 5*time.Second, logging.Nop())
	audio, err := c.Synthesize(context.Background(), "hi there")
	require.NoError(t, err)
	require.Equal(t, []byte("RIFFfake"), audio)
}

func TestCoquiErrorsAreRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCoquiClient(srv.URL, "", "", 5*time.Second, logging.Nop())
	_, err := c.Synthesize(context.Background(), "hi")
	require.ErrorIs(t, err, ErrRecoverable)

	var unset *CoquiClient
	_, err = unset.Synthesize(context.Background(), "hi")
	require.ErrorIs(t, err, ErrRecoverable)
}
