package discord

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/mattn/go-shellwords"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/voice"
)

const (
	sampleRate = 48000
	channels   = 2
	// frameSamples is one 20ms opus frame per channel.
	frameSamples = 960
	maxPacket    = 4000
)

// PCMSource opens a clip as 48kHz stereo s16le PCM.
type PCMSource interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// FFmpegSource decodes clips with an external command. {input} in the
// template is replaced with the clip path; the command writes PCM to stdout.
type FFmpegSource struct {
	args []string
}

func NewFFmpegSource(command string) (*FFmpegSource, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse decode command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("decode command empty")
	}
	return &FFmpegSource{args: args}, nil
}

func (f *FFmpegSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	args := make([]string, len(f.args))
	for i, a := range f.args {
		args[i] = strings.ReplaceAll(a, "{input}", path)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	return &processReader{ReadCloser: stdout, cmd: cmd, stderr: &stderr}, nil
}

type processReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (p *processReader) Close() error {
	_ = p.ReadCloser.Close()
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("decoder exited: %w: %s", err, strings.TrimSpace(p.stderr.String()))
	}
	return nil
}

// opusOutput is the send side of a voice connection.
type opusOutput struct {
	speaking func(bool) error
	send     chan<- []byte
}

// VoiceSink renders clips one at a time onto a voice connection. Play
// returns immediately and reports the outcome through SinkEvents.
type VoiceSink struct {
	out         opusOutput
	source      PCMSource
	events      voice.SinkEvents
	sendTimeout time.Duration
	log         logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	busy   bool
	wg     sync.WaitGroup
}

func newVoiceSink(out opusOutput, source PCMSource, events voice.SinkEvents, sendTimeout time.Duration, log logging.Logger) *VoiceSink {
	if log == nil {
		log = logging.Nop()
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &VoiceSink{
		out:         out,
		source:      source,
		events:      events,
		sendTimeout: sendTimeout,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *VoiceSink) Play(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return voice.ErrClosed
	}
	if s.busy {
		return errors.New("sink already playing")
	}
	s.busy = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.render(path)
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.events.SinkError(err)
			return
		}
		s.events.SinkIdle()
	}()
	return nil
}

// Close stops the clip in progress. No events are delivered afterwards.
func (s *VoiceSink) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *VoiceSink) render(path string) (err error) {
	pcm, err := s.source.Open(s.ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := pcm.Close(); cerr != nil && err == nil && s.ctx.Err() == nil {
			err = cerr
		}
	}()

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("opus encoder: %w", err)
	}
	if err := s.out.speaking(true); err != nil {
		return fmt.Errorf("set speaking: %w", err)
	}
	defer func() { _ = s.out.speaking(false) }()

	r := bufio.NewReader(pcm)
	raw := make([]byte, frameSamples*channels*2)
	frame := make([]int16, frameSamples*channels)
	packet := make([]byte, maxPacket)
	frames := 0
	for {
		n, readErr := io.ReadFull(r, raw)
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read pcm: %w", readErr)
		}
		if n == 0 {
			break
		}
		// A short final read is padded with silence.
		clear(raw[n:])
		for i := range frame {
			frame[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		size, err := enc.Encode(frame, packet)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		data := append([]byte(nil), packet[:size]...)
		timer := time.NewTimer(s.sendTimeout)
		select {
		case s.out.send <- data:
			timer.Stop()
		case <-timer.C:
			return errors.New("timeout sending audio")
		case <-s.ctx.Done():
			timer.Stop()
			return s.ctx.Err()
		}
		frames++
		if readErr != nil {
			break
		}
	}
	s.log.Debugw("sink: clip rendered", "path", path, "frames", frames)
	return nil
}
