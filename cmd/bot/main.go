package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/discord-voice-agent/internal/config"
	"github.com/discord-voice-agent/internal/discord"
	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/metrics"
	"github.com/discord-voice-agent/internal/voice"
)

func main() {
	root := &cobra.Command{
		Use:          "bot",
		Short:        "Discord voice agent: listens in a voice channel and talks back",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return run(cmd.Context(), path)
		},
	}
	root.Flags().StringP("config", "c", os.Getenv("BOT_CONFIG"), "path to the YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logging.FatalExitf("bot failed", "err", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.Telemetry.LogLevel)
	defer func() { _ = logging.Sync() }()
	log := logging.Named("bot")

	if cfg.Discord.Token == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN required")
	}
	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("discordgo.New: %w", err)
	}
	// Message content is privileged; enable it in the Developer Portal for
	// text commands to work.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	log.Infow("using gateway intents", "intents", dg.Identify.Intents)

	m := metrics.New(prometheus.DefaultRegisterer)
	clk := clock.New()

	resp, closeResponder, err := newResponder(ctx, cfg, logging.Named("responder"))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeResponder(); err != nil {
			log.Warnw("responder close error", "err", err)
		}
	}()

	pipe, err := newPipeline(cfg, resp, discord.NewResolver(dg, clk), clk, logging.Named("voice"), m)
	if err != nil {
		return err
	}
	manager := voice.NewManager(pipe.newController, logging.Named("manager"), m)

	source, err := discord.NewFFmpegSource(cfg.Playback.DecodeCommand)
	if err != nil {
		return err
	}
	svc := discord.NewService(dg, manager, source, discord.ServiceConfig{
		AllowedUserIDs: cfg.Discord.AllowedUserIDs,
		FrameBuffer:    cfg.Capture.FrameBuffer,
		SendTimeout:    config.Millis(cfg.Playback.SendTimeoutMS),
		Greeting:       cfg.Discord.Greeting,
	}, logging.Named("discord"))
	commands := discord.NewCommands(cfg.Discord.CommandPrefix, svc, logging.Named("commands"))

	dg.AddHandler(svc.HandleVoiceStateUpdate)
	dg.AddHandler(commands.HandleMessage)
	if cfg.Telemetry.LogEvents {
		dg.AddHandler(eventLogger(logging.Named("events"), cfg.Telemetry.PayloadMaxBytes))
	}

	metricsServer := metrics.NewServer(cfg.Telemetry.MetricsBind, prometheus.DefaultGatherer, manager.Destinations, logging.Named("metrics"))
	metricsServer.Start()

	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord session open failed: %w", err)
	}
	log.Infow("discord session opened")

	janitor := voice.NewJanitor(cfg.Capture.WorkDir, config.Millis(cfg.Janitor.IntervalMS),
		config.Millis(cfg.Janitor.RetentionMS), cfg.Janitor.MaxFiles, clk, logging.Named("janitor"))
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		janitor.Run(janitorCtx)
	}()

	if cfg.Discord.GuildID != "" && cfg.Discord.VoiceChannelID != "" {
		log.Infow("joining voice channel", append(logging.GuildFields(cfg.Discord.GuildID, ""),
			logging.ChannelFields(cfg.Discord.VoiceChannelID, "")...)...)
		if err := svc.JoinChannel(ctx, cfg.Discord.GuildID, cfg.Discord.VoiceChannelID); err != nil {
			log.Warnw("voice join failed", "err", err)
		}
	}

	<-ctx.Done()
	log.Infow("shutdown signal received, closing resources")

	stopJanitor()
	<-janitorDone
	if err := svc.Close(); err != nil {
		log.Warnw("voice service close error", "err", err)
	}
	if err := manager.Close(); err != nil {
		log.Warnw("manager close error", "err", err)
	}
	if err := dg.Close(); err != nil {
		log.Warnw("discord session close error", "err", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("metrics server shutdown error", "err", err)
	}
	log.Infow("shutdown complete")
	return nil
}
