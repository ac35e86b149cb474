package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate(cfg))
	require.Equal(t, 2000, cfg.Capture.SilenceMS)
	require.Equal(t, 500, cfg.Capture.SessionLockMS)
	require.Equal(t, 2000, cfg.Aggregator.WindowMS)
	require.Equal(t, 500, cfg.Aggregator.ThrottleMS)
	require.Equal(t, int64(300*1024), cfg.Transcription.MinBytes)
	require.False(t, cfg.Aggregator.FlushOnLeave)
	require.Contains(t, cfg.Capture.TranscodeCommand, "-c:a pcm_s32le")
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voice.yaml")
	data := []byte(`
capture:
  silence_ms: 1500
aggregator:
  throttle_ms: 250
responder:
  mode: nats
nats:
  servers: ["nats://bus:4222"]
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("WHISPER_URL", "http://whisper:9000")
	t.Setenv("ALLOWED_USER_IDS", " 1, 2 ,,3")
	t.Setenv("VOICE_FLUSH_ON_LEAVE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1500, cfg.Capture.SilenceMS)
	require.Equal(t, 250, cfg.Aggregator.ThrottleMS)
	require.Equal(t, 2000, cfg.Aggregator.WindowMS)
	require.Equal(t, "nats", cfg.Responder.Mode)
	require.Equal(t, []string{"nats://bus:4222"}, cfg.NATS.Servers)
	require.Equal(t, "http://whisper:9000", cfg.Transcription.URL)
	require.Equal(t, []string{"1", "2", "3"}, cfg.Discord.AllowedUserIDs)
	require.True(t, cfg.Aggregator.FlushOnLeave)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"silence":   func(c *Config) { c.Capture.SilenceMS = 0 },
		"window":    func(c *Config) { c.Aggregator.WindowMS = -1 },
		"mode":      func(c *Config) { c.Responder.Mode = "carrier-pigeon" },
		"transcode": func(c *Config) { c.Capture.TranscodeCommand = "ffmpeg -i pipe:0 out.wav" },
		"decode":    func(c *Config) { c.Playback.DecodeCommand = "ffmpeg -i x" },
		"min bytes": func(c *Config) { c.Transcription.MinBytes = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, validate(cfg))
		})
	}
}

func TestMillis(t *testing.T) {
	require.Equal(t, 1500*time.Millisecond, Millis(1500))
}
