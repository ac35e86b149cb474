package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/mcp/config"
)

const keepaliveInterval = 30 * time.Second

// Client holds one MCP client session, reached over a websocket or a child
// process, and the resources needed to tear it down.
type Client struct {
	client *sdk.Client
	log    logging.Logger

	mu              sync.Mutex
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
	closers         []func() error
}

func NewClient(name, version string, log logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	impl := &sdk.Implementation{Name: name, Version: version}
	return &Client{client: sdk.NewClient(impl, nil), log: log}
}

// ConnectServer connects using a manifest entry.
func (c *Client) ConnectServer(ctx context.Context, name string, cfg config.ServerConfig) error {
	if !cfg.EnabledValue() {
		return fmt.Errorf("mcp server %q is disabled", name)
	}
	if cfg.Transport != nil && cfg.Transport.URL != "" {
		switch cfg.Transport.Type {
		case "", "websocket", "ws":
			return c.ConnectWebSocket(ctx, cfg.Transport.URL)
		default:
			return fmt.Errorf("mcp server %q: unsupported transport %q", name, cfg.Transport.Type)
		}
	}
	return c.ConnectCommand(ctx, name, cfg.Command, cfg.Args, cfg.Env)
}

// ConnectWebSocket dials rawurl. http and https URLs are upgraded to ws and
// wss.
func (c *Client) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	if err := c.connect(ctx, NewWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	c.log.Infow("mcp: connected", "url", u.Redacted())
	return nil
}

// ConnectCommand starts command and talks to it over stdio. The process is
// killed on Close.
func (c *Client) ConnectCommand(ctx context.Context, serverName, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		_ = stderr.Close()
		return fmt.Errorf("start %s: %w", command, err)
	}

	log := logging.With(c.log, "server", serverName)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debugw("mcp: server stderr", "line", scanner.Text())
		}
	}()
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if err := c.connect(ctx, newCommandTransport(stdout, stdin)); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = cmd.Process.Kill()
		<-waitCh
		return err
	}
	log.Infow("mcp: command server started", "command", command, "args", strings.Join(args, " "))

	c.addCloser(func() error {
		_ = stdin.Close()
		_ = stdout.Close()
		var err error
		select {
		case err = <-waitCh:
		default:
			_ = cmd.Process.Kill()
			err = <-waitCh
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && !exitErr.Exited() {
			// killed by us
			err = nil
		}
		log.Infow("mcp: command server exited", "err", err)
		return err
	})
	return nil
}

func (c *Client) addCloser(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

func (c *Client) connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp initialize: %w", err)
	}
	kaCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
	}
	c.session = sess
	c.keepaliveCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(kaCtx, 5*time.Second)
				if err := sess.Ping(pingCtx, nil); err != nil && kaCtx.Err() == nil {
					c.log.Warnw("mcp: keepalive ping failed", "err", err)
				}
				pingCancel()
			}
		}
	}()
	return nil
}

// CallText invokes tool and joins the text content of the result. A result
// flagged as an error is returned as one.
func (c *Client) CallText(ctx context.Context, tool string, args map[string]any) (string, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return "", errors.New("mcp: not connected")
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", tool, err)
	}
	var sb strings.Builder
	for _, content := range res.Content {
		if text, ok := content.(*sdk.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(text.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("tool %s failed: %s", tool, sb.String())
	}
	return sb.String(), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result *multierror.Error
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		c.session = nil
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.closers = nil
	return result.ErrorOrNil()
}
