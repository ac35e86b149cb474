package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/voice"
)

type NATSOptions struct {
	Servers        []string
	Token          string
	ConnectTimeout time.Duration
	Name           string
}

// ConnectNATS dials the configured servers.
func ConnectNATS(opts NATSOptions, log logging.Logger) (*nats.Conn, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if log == nil {
		log = logging.Nop()
	}
	options := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("responder: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("responder: nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if opts.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(opts.ConnectTimeout))
	}
	if opts.Token != "" {
		options = append(options, nats.Token(opts.Token))
	}
	url := strings.Join(opts.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Infow("responder: connected to nats", "servers", url)
	return conn, nil
}

// NATS sends each turn as a request on <prefix>.<destination> and speaks
// the reply.
type NATS struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewNATS(conn *nats.Conn, prefix string, timeout time.Duration) *NATS {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NATS{conn: conn, prefix: strings.TrimSuffix(prefix, "."), timeout: timeout}
}

func (r *NATS) Reply(ctx context.Context, turn voice.Turn) (string, error) {
	data, err := json.Marshal(requestFromTurn(turn))
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	msg, err := r.conn.RequestWithContext(ctx, r.prefix+"."+string(turn.Destination), data)
	if err != nil {
		return "", fmt.Errorf("nats request: %w", err)
	}
	var reply TurnReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("remote responder: %s", reply.Error)
	}
	return finish(reply.Text)
}

// AnswerFunc handles one turn on the serving side.
type AnswerFunc func(ctx context.Context, req TurnRequest) (string, error)

// ServeNATS answers requests published on <prefix>.> with fn. Each request
// gets timeout to complete. Drain the returned subscription to stop.
func ServeNATS(conn *nats.Conn, prefix string, timeout time.Duration, fn AnswerFunc, log logging.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = logging.Nop()
	}
	subject := strings.TrimSuffix(prefix, ".") + ".>"
	return conn.Subscribe(subject, func(msg *nats.Msg) {
		var reply TurnReply
		var req TurnRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "invalid request: " + err.Error()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			text, err := fn(ctx, req)
			cancel()
			if err != nil {
				log.Warnw("responder: answer failed", "subject", msg.Subject, "err", err)
				reply.Error = err.Error()
			}
			reply.Text = text
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			log.Warnw("responder: respond failed", "subject", msg.Subject, "err", err)
		}
	})
}
