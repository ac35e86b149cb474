package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/discord-voice-agent/internal/logging"
)

type CaptureConfig struct {
	Dir        string
	Silence    time.Duration
	Format     PCMFormat
	NewDecoder func(PCMFormat) (FrameDecoder, error)
	Transcoder Transcoder
}

type captureState int

const (
	captureRecording captureState = iota
	captureFinished
	captureFailed
)

// captureSession is one speaker's recording from first frame to silence.
type captureSession struct {
	id        string
	speaker   SpeakerID
	startedAt time.Time
	path      string
	decoder   FrameDecoder
	writer    PCMWriter
	state     captureState
	samples   int
}

// CaptureRecorder records speakers to artifacts in Dir.
type CaptureRecorder struct {
	cfg   CaptureConfig
	clock clock.Clock
	log   logging.Logger
}

func NewCaptureRecorder(cfg CaptureConfig, clk clock.Clock, log logging.Logger) (*CaptureRecorder, error) {
	if cfg.Dir == "" {
		return nil, errors.New("capture dir required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = PCMFormat{SampleRate: 48000, Channels: 2}
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = NewOpusDecoder
	}
	if cfg.Transcoder == nil {
		cfg.Transcoder = WAVTranscoder{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &CaptureRecorder{cfg: cfg, clock: clk, log: log}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Record consumes frames until Silence passes without one, frames is closed,
// or ctx ends. It returns the finished artifact path. On any failure the
// partial artifact is removed and an error is returned.
func (r *CaptureRecorder) Record(ctx context.Context, speaker SpeakerID, frames <-chan []byte) (path string, err error) {
	now := r.clock.Now()
	s := &captureSession{
		id:        uuid.NewString(),
		speaker:   speaker,
		startedAt: now,
		path: filepath.Join(r.cfg.Dir, fmt.Sprintf("audio_%s-%d.wav",
			unsafeName.ReplaceAllString(string(speaker), "_"), now.UnixMilli())),
	}
	log := logging.With(r.log, "speaker", speaker, "correlation_id", s.id)

	s.decoder, err = r.cfg.NewDecoder(r.cfg.Format)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecoverable, err)
	}
	s.writer, err = r.cfg.Transcoder.Open(ctx, s.path, r.cfg.Format)
	if err != nil {
		return "", fmt.Errorf("%w: open transcoder: %v", ErrRecoverable, err)
	}
	defer func() {
		if s.state != captureFinished {
			s.writer.Abort()
		}
	}()

	log.Debugw("capture: started", "path", s.path)
	if err := r.consume(ctx, s, frames, log); err != nil {
		s.state = captureFailed
		return "", err
	}
	if s.samples == 0 {
		s.state = captureFailed
		return "", ErrNoAudio
	}
	if err := s.writer.Close(); err != nil {
		s.state = captureFailed
		return "", fmt.Errorf("%w: finalize artifact: %v", ErrRecoverable, err)
	}
	if _, err := os.Stat(s.path); err != nil {
		s.state = captureFailed
		return "", fmt.Errorf("%w: artifact missing: %v", ErrRecoverable, err)
	}
	s.state = captureFinished
	log.Debugw("capture: finished", "path", s.path, "samples", s.samples,
		"duration_ms", r.clock.Since(s.startedAt).Milliseconds())
	return s.path, nil
}

func (r *CaptureRecorder) consume(ctx context.Context, s *captureSession, frames <-chan []byte, log logging.Logger) error {
	silence := r.clock.Timer(r.cfg.Silence)
	defer silence.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-silence.C:
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			pcm, err := s.decoder.Decode(frame)
			if err != nil {
				log.Debugw("capture: dropping undecodable frame", "err", err)
				continue
			}
			if err := s.writer.WritePCM(pcm); err != nil {
				return fmt.Errorf("%w: write pcm: %v", ErrRecoverable, err)
			}
			s.samples += len(pcm)
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(r.cfg.Silence)
		}
	}
}
