package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hraban/opus"
	"github.com/mattn/go-shellwords"
)

// PCMFormat describes interleaved signed 16-bit samples.
type PCMFormat struct {
	SampleRate int
	Channels   int
}

// FrameDecoder turns one compressed frame into interleaved PCM samples.
type FrameDecoder interface {
	Decode(frame []byte) ([]int16, error)
}

// PCMWriter receives decoded PCM for one artifact. Close finalizes the
// container; Abort discards it.
type PCMWriter interface {
	WritePCM(samples []int16) error
	Close() error
	Abort()
}

// Transcoder opens a PCMWriter that produces a container file at path.
type Transcoder interface {
	Open(ctx context.Context, path string, format PCMFormat) (PCMWriter, error)
}

type opusDecoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

// NewOpusDecoder returns a FrameDecoder for Discord's 48kHz stereo opus.
func NewOpusDecoder(format PCMFormat) (FrameDecoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	// 120ms is the longest opus frame.
	return &opusDecoder{dec: dec, channels: format.Channels, buf: make([]int16, format.SampleRate*120/1000*format.Channels)}, nil
}

func (d *opusDecoder) Decode(frame []byte) ([]int16, error) {
	n, err := d.dec.Decode(frame, d.buf)
	if err != nil {
		return nil, err
	}
	out := make([]int16, n*d.channels)
	copy(out, d.buf[:n*d.channels])
	return out, nil
}

// FFmpegTranscoder pipes s16le PCM into an external command. The template
// is split with shell rules; {output}, {rate} and {channels} are substituted
// per artifact.
type FFmpegTranscoder struct {
	args []string
}

func NewFFmpegTranscoder(command string) (*FFmpegTranscoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcode command empty")
	}
	return &FFmpegTranscoder{args: args}, nil
}

func (f *FFmpegTranscoder) Open(ctx context.Context, path string, format PCMFormat) (PCMWriter, error) {
	r := strings.NewReplacer(
		"{output}", path,
		"{rate}", fmt.Sprint(format.SampleRate),
		"{channels}", fmt.Sprint(format.Channels),
	)
	args := make([]string, len(f.args))
	for i, a := range f.args {
		args[i] = r.Replace(a)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start transcoder: %w", err)
	}
	return &ffmpegWriter{cmd: cmd, stdin: stdin, w: bufio.NewWriter(stdin), stderr: &stderr, path: path}, nil
}

type ffmpegWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	w      *bufio.Writer
	stderr *bytes.Buffer
	path   string
	once   sync.Once
	err    error
}

func (f *ffmpegWriter) WritePCM(samples []int16) error {
	return binary.Write(f.w, binary.LittleEndian, samples)
}

func (f *ffmpegWriter) Close() error {
	f.once.Do(func() {
		flushErr := f.w.Flush()
		closeErr := f.stdin.Close()
		if err := f.cmd.Wait(); err != nil {
			f.err = fmt.Errorf("transcoder exited: %w: %s", err, strings.TrimSpace(f.stderr.String()))
			return
		}
		f.err = errors.Join(flushErr, closeErr)
	})
	return f.err
}

func (f *ffmpegWriter) Abort() {
	f.once.Do(func() {
		_ = f.stdin.Close()
		if f.cmd.Process != nil {
			_ = f.cmd.Process.Kill()
		}
		_ = f.cmd.Wait()
		f.err = errors.New("transcoder aborted")
	})
	_ = os.Remove(f.path)
}

// artifactBitDepth is the sample width of written artifacts. Samples are
// widened from 16 bits so artifact sizes match the transcription threshold.
const artifactBitDepth = 32

// WAVTranscoder writes the artifact in-process as 32-bit PCM.
type WAVTranscoder struct{}

func (WAVTranscoder) Open(_ context.Context, path string, format PCMFormat) (PCMWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &wavWriter{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, artifactBitDepth, format.Channels, 1),
		format: &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		path:   path,
	}, nil
}

type wavWriter struct {
	file   *os.File
	enc    *wav.Encoder
	format *audio.Format
	path   string
	once   sync.Once
	err    error
}

func (w *wavWriter) WritePCM(samples []int16) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s) << 16
	}
	buf := &audio.IntBuffer{Format: w.format, Data: data, SourceBitDepth: artifactBitDepth}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (w *wavWriter) Close() error {
	w.once.Do(func() {
		encErr := w.enc.Close()
		fileErr := w.file.Close()
		w.err = errors.Join(encErr, fileErr)
	})
	return w.err
}

func (w *wavWriter) Abort() {
	w.once.Do(func() {
		_ = w.file.Close()
		w.err = errors.New("wav writer aborted")
	})
	_ = os.Remove(w.path)
}
