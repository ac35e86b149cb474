package main

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/discord-voice-agent/internal/config"
	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/mcp"
	mcpconfig "github.com/discord-voice-agent/internal/mcp/config"
	"github.com/discord-voice-agent/internal/metrics"
	"github.com/discord-voice-agent/internal/responder"
	"github.com/discord-voice-agent/internal/voice"
	"github.com/discord-voice-agent/llm"
)

const version = "0.1.0"

// newResponder builds the text backend selected by responder.mode. The
// returned func releases its connections.
func newResponder(ctx context.Context, cfg config.Config, log logging.Logger) (voice.Responder, func() error, error) {
	noop := func() error { return nil }
	var r voice.Responder
	closer := noop

	switch cfg.Responder.Mode {
	case "llm":
		client := llm.New(llm.Config{
			BaseURL:       cfg.LLM.BaseURL,
			APIKey:        cfg.LLM.APIKey,
			Model:         cfg.LLM.Model,
			FallbackModel: cfg.LLM.FallbackModel,
			MaxTokens:     cfg.LLM.MaxTokens,
			Temperature:   cfg.LLM.Temperature,
			Timeout:       config.Millis(cfg.LLM.TimeoutMS),
		})
		r = responder.NewLLM(client, cfg.Responder.SystemPrompt, log)
	case "nats":
		conn, err := responder.ConnectNATS(responder.NATSOptions{
			Servers:        cfg.NATS.Servers,
			Token:          cfg.NATS.Token,
			ConnectTimeout: config.Millis(cfg.NATS.ConnectTimeoutMS),
			Name:           "discord-voice-agent",
		}, log)
		if err != nil {
			return nil, noop, err
		}
		r = responder.NewNATS(conn, cfg.NATS.SubjectPrefix, config.Millis(cfg.Responder.TimeoutMS))
		closer = conn.Drain
	case "mcp":
		client := mcp.NewClient(cfg.MCP.Service, version, log)
		if err := connectMCP(ctx, client, cfg.MCP); err != nil {
			return nil, noop, err
		}
		r = responder.NewMCP(client, cfg.MCP.Tool)
		closer = client.Close
	default:
		return nil, noop, fmt.Errorf("unknown responder mode %q", cfg.Responder.Mode)
	}
	log.Infow("responder ready", "mode", cfg.Responder.Mode)
	return responder.WithTimeout(r, config.Millis(cfg.Responder.TimeoutMS)), closer, nil
}

func connectMCP(ctx context.Context, client *mcp.Client, cfg config.MCPConfig) error {
	if cfg.URL != "" {
		return client.ConnectWebSocket(ctx, cfg.URL)
	}
	manifest, err := mcpconfig.Load(cfg.Manifest)
	if err != nil {
		return fmt.Errorf("load mcp manifest: %w", err)
	}
	server, name, err := manifest.Lookup(cfg.Server)
	if err != nil {
		return err
	}
	return client.ConnectServer(ctx, name, server)
}

// pipeline holds the collaborators every destination's controller shares.
type pipeline struct {
	cfg         config.Config
	recorder    voice.Recorder
	transcriber voice.Transcriber
	synthesizer voice.Synthesizer
	responder   voice.Responder
	names       voice.NameResolver
	wake        *voice.WakeGate
	clock       clock.Clock
	log         logging.Logger
	metrics     *metrics.Metrics
}

func newPipeline(cfg config.Config, resp voice.Responder, names voice.NameResolver, clk clock.Clock, log logging.Logger, m *metrics.Metrics) (*pipeline, error) {
	var transcoder voice.Transcoder = voice.WAVTranscoder{}
	if cfg.Capture.TranscodeCommand != "" {
		t, err := voice.NewFFmpegTranscoder(cfg.Capture.TranscodeCommand)
		if err != nil {
			return nil, err
		}
		transcoder = t
	}
	recorder, err := voice.NewCaptureRecorder(voice.CaptureConfig{
		Dir:        cfg.Capture.WorkDir,
		Silence:    config.Millis(cfg.Capture.SilenceMS),
		Format:     voice.PCMFormat{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels},
		Transcoder: transcoder,
	}, clk, logging.With(log, "component", "capture"))
	if err != nil {
		return nil, err
	}
	return &pipeline{
		cfg:      cfg,
		recorder: recorder,
		transcriber: voice.NewWhisperClient(cfg.Transcription.URL, cfg.Transcription.MinBytes,
			config.Millis(cfg.Transcription.TimeoutMS), logging.With(log, "component", "stt"), m),
		synthesizer: voice.NewCoquiClient(cfg.TTS.URL, cfg.TTS.SpeakerID, cfg.TTS.AuthToken,
			config.Millis(cfg.TTS.TimeoutMS), logging.With(log, "component", "tts")),
		responder: resp,
		names:     names,
		wake:      voice.NewWakeGate(cfg.Responder.WakePhrases, wakeWithin),
		clock:     clk,
		log:       log,
		metrics:   m,
	}, nil
}

// wakeWithin is how many leading words may precede the wake phrase.
const wakeWithin = 4

// newController implements voice.ControllerFactory.
func (p *pipeline) newController(dest voice.DestinationID, source voice.StreamSource, sinks voice.SinkFactory) (*voice.Controller, error) {
	log := logging.With(p.log, logging.GuildFields(string(dest), p.names.GuildName(string(dest)))...)
	return voice.NewController(voice.ControllerConfig{
		Destination: dest,
		WorkDir:     p.cfg.Capture.WorkDir,
		SessionLock: config.Millis(p.cfg.Capture.SessionLockMS),
		Aggregator: voice.AggregatorConfig{
			Window:       config.Millis(p.cfg.Aggregator.WindowMS),
			Throttle:     config.Millis(p.cfg.Aggregator.ThrottleMS),
			FlushOnLeave: p.cfg.Aggregator.FlushOnLeave,
		},
	}, voice.ControllerDeps{
		Source:      source,
		Sinks:       sinks,
		Recorder:    p.recorder,
		Transcriber: p.transcriber,
		Synthesizer: p.synthesizer,
		Responder:   p.responder,
		Names:       p.names,
		Wake:        p.wake,
		Clock:       p.clock,
		Logger:      log,
		Metrics:     p.metrics,
	})
}
