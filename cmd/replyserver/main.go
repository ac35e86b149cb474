// Command replyserver answers the bot's turns with an LLM, over MCP and
// optionally NATS.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/discord-voice-agent/internal/config"
	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/mcp"
	"github.com/discord-voice-agent/internal/responder"
	"github.com/discord-voice-agent/llm"
)

func main() {
	root := &cobra.Command{
		Use:          "replyserver",
		Short:        "Serve the reply tool over MCP websocket and NATS",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			withNATS, _ := cmd.Flags().GetBool("nats")
			return run(cmd.Context(), path, withNATS)
		},
	}
	root.Flags().StringP("config", "c", os.Getenv("BOT_CONFIG"), "path to the YAML config file")
	root.Flags().Bool("nats", false, "also answer requests on nats.subject_prefix")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logging.FatalExitf("replyserver failed", "err", err)
	}
}

func run(ctx context.Context, configPath string, withNATS bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.Telemetry.LogLevel)
	defer func() { _ = logging.Sync() }()
	log := logging.Named("replyserver")

	client := llm.New(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
		Timeout:       config.Millis(cfg.LLM.TimeoutMS),
	})
	answerer := responder.NewLLM(client, cfg.Responder.SystemPrompt, logging.Named("llm"))

	if withNATS {
		conn, err := responder.ConnectNATS(responder.NATSOptions{
			Servers:        cfg.NATS.Servers,
			Token:          cfg.NATS.Token,
			ConnectTimeout: config.Millis(cfg.NATS.ConnectTimeoutMS),
			Name:           "replyserver",
		}, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		sub, err := responder.ServeNATS(conn, cfg.NATS.SubjectPrefix, config.Millis(cfg.Responder.TimeoutMS), answerer.Answer, log)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Drain() }()
		log.Infow("answering nats requests", "subject", cfg.NATS.SubjectPrefix+".>")
	}

	server := mcp.NewReplyServer("replyserver", "0.1.0", func(ctx context.Context, args mcp.ReplyArgs) (string, error) {
		return answerer.Answer(ctx, responder.TurnRequest{
			Destination: args.Destination,
			Speaker:     args.Speaker,
			SpeakerName: args.SpeakerName,
			Text:        args.Text,
		})
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/mcp/ws", mcp.WebSocketHandler(server, log))

	srv := &http.Server{Addr: cfg.MCP.Bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("mcp server listening", "bind", cfg.MCP.Bind)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
