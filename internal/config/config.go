package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type DiscordConfig struct {
	Token          string   `yaml:"token"`
	GuildID        string   `yaml:"guild_id"`
	VoiceChannelID string   `yaml:"voice_channel_id"`
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
	CommandPrefix  string   `yaml:"command_prefix"`
	Greeting       string   `yaml:"greeting"`
}

// CaptureConfig controls per-speaker recording.
type CaptureConfig struct {
	WorkDir          string `yaml:"work_dir"`
	SilenceMS        int    `yaml:"silence_ms"`
	SessionLockMS    int    `yaml:"session_lock_ms"`
	TranscodeCommand string `yaml:"transcode_command"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	FrameBuffer      int    `yaml:"frame_buffer"`
}

type AggregatorConfig struct {
	WindowMS     int  `yaml:"window_ms"`
	ThrottleMS   int  `yaml:"throttle_ms"`
	FlushOnLeave bool `yaml:"flush_on_leave"`
}

type TranscriptionConfig struct {
	URL       string `yaml:"url"`
	MinBytes  int64  `yaml:"min_bytes"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TTSConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
	SpeakerID string `yaml:"speaker_id"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type PlaybackConfig struct {
	DecodeCommand string `yaml:"decode_command"`
	SendTimeoutMS int    `yaml:"send_timeout_ms"`
}

type ResponderConfig struct {
	Mode         string   `yaml:"mode"` // llm, nats, mcp
	SystemPrompt string   `yaml:"system_prompt"`
	WakePhrases  []string `yaml:"wake_phrases"`
	TimeoutMS    int      `yaml:"timeout_ms"`
}

type LLMConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	FallbackModel string  `yaml:"fallback_model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TimeoutMS     int     `yaml:"timeout_ms"`
}

type NATSConfig struct {
	Servers          []string `yaml:"servers"`
	Token            string   `yaml:"token"`
	SubjectPrefix    string   `yaml:"subject_prefix"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
}

// MCPConfig selects the reply tool server. URL wins over a manifest entry.
type MCPConfig struct {
	URL      string `yaml:"url"`
	Manifest string `yaml:"manifest"`
	Server   string `yaml:"server"`
	Tool     string `yaml:"tool"`
	Service  string `yaml:"service_name"`
	// Bind is where cmd/replyserver listens.
	Bind string `yaml:"bind"`
}

type JanitorConfig struct {
	IntervalMS  int `yaml:"interval_ms"`
	RetentionMS int `yaml:"retention_ms"`
	MaxFiles    int `yaml:"max_files"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsBind string `yaml:"metrics_bind"`
	// LogEvents logs every gateway event at debug level.
	LogEvents       bool `yaml:"log_events"`
	PayloadMaxBytes int  `yaml:"payload_max_bytes"`
}

type Config struct {
	Discord       DiscordConfig       `yaml:"discord"`
	Capture       CaptureConfig       `yaml:"capture"`
	Aggregator    AggregatorConfig    `yaml:"aggregator"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	TTS           TTSConfig           `yaml:"tts"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Responder     ResponderConfig     `yaml:"responder"`
	LLM           LLMConfig           `yaml:"llm"`
	NATS          NATSConfig          `yaml:"nats"`
	MCP           MCPConfig           `yaml:"mcp"`
	Janitor       JanitorConfig       `yaml:"janitor"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Discord: DiscordConfig{
			CommandPrefix: ".",
			Greeting:      "Ding, ding!",
		},
		Capture: CaptureConfig{
			WorkDir:          "./tmp_saved",
			SilenceMS:        2000,
			SessionLockMS:    500,
			TranscodeCommand: "ffmpeg -hide_banner -loglevel error -f s16le -ar 48000 -ac 2 -i pipe:0 -c:a pcm_s32le -y {output}",
			SampleRate:       48000,
			Channels:         2,
			FrameBuffer:      64,
		},
		Aggregator: AggregatorConfig{
			WindowMS:   2000,
			ThrottleMS: 500,
		},
		Transcription: TranscriptionConfig{
			URL:       "http://localhost:9000",
			MinBytes:  300 * 1024,
			TimeoutMS: 30000,
		},
		TTS: TTSConfig{
			URL:       "http://localhost:5002",
			SpeakerID: "p313",
			TimeoutMS: 30000,
		},
		Playback: PlaybackConfig{
			DecodeCommand: "ffmpeg -hide_banner -loglevel error -i {input} -f s16le -ar 48000 -ac 2 pipe:1",
			SendTimeoutMS: 5000,
		},
		Responder: ResponderConfig{
			Mode:         "llm",
			SystemPrompt: "You are a friendly voice assistant in a Discord voice channel. Keep replies short and conversational.",
			TimeoutMS:    60000,
		},
		LLM: LLMConfig{
			BaseURL:   "http://127.0.0.1:8000/v1",
			Model:     "local",
			MaxTokens: 512,
			TimeoutMS: 20000,
		},
		NATS: NATSConfig{
			Servers:          []string{"nats://localhost:4222"},
			SubjectPrefix:    "voice.turns",
			ConnectTimeoutMS: 2000,
		},
		MCP: MCPConfig{
			Tool:    "reply",
			Service: "bot",
			Bind:    ":9100",
		},
		Janitor: JanitorConfig{
			IntervalMS:  60000,
			RetentionMS: 600000,
			MaxFiles:    200,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			MetricsBind:     ":9102",
			PayloadMaxBytes: 8 * 1024,
		},
	}
}

// Load reads the YAML file at path (optional), applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Discord.Token, "DISCORD_BOT_TOKEN")
	overrideString(&cfg.Discord.GuildID, "GUILD_ID")
	overrideString(&cfg.Discord.VoiceChannelID, "VOICE_CHANNEL_ID")
	overrideStringSlice(&cfg.Discord.AllowedUserIDs, "ALLOWED_USER_IDS")
	overrideString(&cfg.Capture.WorkDir, "VOICE_WORK_DIR")
	overrideInt(&cfg.Capture.SilenceMS, "VOICE_SILENCE_MS")
	overrideInt(&cfg.Capture.SessionLockMS, "VOICE_SESSION_LOCK_MS")
	overrideString(&cfg.Capture.TranscodeCommand, "VOICE_TRANSCODE_COMMAND")
	overrideInt(&cfg.Aggregator.WindowMS, "VOICE_AGGREGATE_WINDOW_MS")
	overrideInt(&cfg.Aggregator.ThrottleMS, "VOICE_AGGREGATE_THROTTLE_MS")
	overrideBool(&cfg.Aggregator.FlushOnLeave, "VOICE_FLUSH_ON_LEAVE")
	overrideString(&cfg.Transcription.URL, "WHISPER_URL")
	overrideInt64(&cfg.Transcription.MinBytes, "WHISPER_MIN_BYTES")
	overrideInt(&cfg.Transcription.TimeoutMS, "WHISPER_TIMEOUT_MS")
	overrideString(&cfg.TTS.URL, "TTS_URL")
	overrideString(&cfg.TTS.AuthToken, "TTS_AUTH_TOKEN")
	overrideString(&cfg.TTS.SpeakerID, "TTS_SPEAKER_ID")
	overrideString(&cfg.Playback.DecodeCommand, "PLAYBACK_DECODE_COMMAND")
	overrideString(&cfg.Responder.Mode, "RESPONDER_MODE")
	overrideStringSlice(&cfg.Responder.WakePhrases, "WAKE_PHRASES")
	overrideString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.Model, "OPENAI_MODEL")
	overrideString(&cfg.LLM.FallbackModel, "OPENAI_FALLBACK_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LLM_MAX_TOKENS")
	overrideStringSlice(&cfg.NATS.Servers, "NATS_URL")
	overrideString(&cfg.NATS.Token, "NATS_TOKEN")
	overrideString(&cfg.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")
	overrideString(&cfg.MCP.URL, "MCP_SERVER_URL")
	overrideString(&cfg.MCP.Manifest, "MCP_CONFIG_PATH")
	overrideString(&cfg.MCP.Server, "MCP_SERVER_NAME")
	overrideString(&cfg.MCP.Tool, "MCP_REPLY_TOOL")
	overrideString(&cfg.MCP.Service, "MCP_SERVICE_NAME")
	overrideString(&cfg.MCP.Bind, "REPLY_SERVER_BIND")
	overrideString(&cfg.Telemetry.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.Telemetry.MetricsBind, "METRICS_BIND")
	overrideBool(&cfg.Telemetry.LogEvents, "DISCORD_LOG_EVENTS")
	overrideInt(&cfg.Telemetry.PayloadMaxBytes, "PAYLOAD_MAX_BYTES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.Capture.WorkDir == "" {
		return errors.New("capture.work_dir must not be empty")
	}
	if cfg.Capture.SilenceMS <= 0 {
		return errors.New("capture.silence_ms must be positive")
	}
	if cfg.Capture.SessionLockMS < 0 {
		return errors.New("capture.session_lock_ms must be >= 0")
	}
	if cfg.Capture.SampleRate <= 0 || cfg.Capture.Channels <= 0 {
		return errors.New("capture.sample_rate and capture.channels must be positive")
	}
	if cfg.Capture.TranscodeCommand != "" && !strings.Contains(cfg.Capture.TranscodeCommand, "{output}") {
		return errors.New("capture.transcode_command must reference {output}")
	}
	if cfg.Aggregator.WindowMS <= 0 || cfg.Aggregator.ThrottleMS <= 0 {
		return errors.New("aggregator.window_ms and aggregator.throttle_ms must be positive")
	}
	if cfg.Transcription.URL == "" {
		return errors.New("transcription.url must not be empty")
	}
	if cfg.Transcription.MinBytes < 0 {
		return errors.New("transcription.min_bytes must be >= 0")
	}
	if cfg.TTS.URL == "" {
		return errors.New("tts.url must not be empty")
	}
	if !strings.Contains(cfg.Playback.DecodeCommand, "{input}") {
		return errors.New("playback.decode_command must reference {input}")
	}
	switch cfg.Responder.Mode {
	case "llm":
		if cfg.LLM.BaseURL == "" {
			return errors.New("llm.base_url must be set when responder.mode=llm")
		}
	case "nats":
		if len(cfg.NATS.Servers) == 0 {
			return errors.New("nats.servers must not be empty when responder.mode=nats")
		}
		if cfg.NATS.SubjectPrefix == "" {
			return errors.New("nats.subject_prefix must not be empty")
		}
	case "mcp":
		if cfg.MCP.Tool == "" {
			return errors.New("mcp.tool must be set when responder.mode=mcp")
		}
	default:
		return errors.New("responder.mode must be one of llm|nats|mcp")
	}
	if cfg.Janitor.IntervalMS < 0 || cfg.Janitor.RetentionMS < 0 {
		return errors.New("janitor intervals must be >= 0")
	}
	if cfg.Telemetry.MetricsBind == "" {
		return errors.New("telemetry.metrics_bind must not be empty")
	}
	return nil
}

// Millis converts a millisecond setting to a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
