package mcp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxLine bounds one JSON-RPC message from a child process.
const maxLine = 4 << 20

// stdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdout and stdin.
type stdioTransport struct {
	conn *stdioConn
}

func newCommandTransport(r io.ReadCloser, w io.WriteCloser) sdk.Transport {
	return &stdioTransport{conn: newStdioConn(r, w)}
}

func (t *stdioTransport) Connect(context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

type lineResult struct {
	msg jsonrpc.Message
	err error
}

type stdioConn struct {
	r io.ReadCloser
	w io.WriteCloser

	lines chan lineResult
	done  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newStdioConn(r io.ReadCloser, w io.WriteCloser) *stdioConn {
	c := &stdioConn{r: r, w: w, lines: make(chan lineResult), done: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *stdioConn) readLoop() {
	sc := bufio.NewScanner(c.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(line)
		if !c.deliver(lineResult{msg: msg, err: err}) || err != nil {
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.deliver(lineResult{err: err})
}

// deliver hands res to Read. It reports false once the connection is closed.
func (c *stdioConn) deliver(res lineResult) bool {
	select {
	case c.lines <- res:
		return true
	case <-c.done:
		return false
	}
}

func (c *stdioConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	case res := <-c.lines:
		return res.msg, res.err
	}
}

func (c *stdioConn) Write(_ context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(append(data, '\n'))
	return err
}

func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		var result *multierror.Error
		if err := c.w.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := c.r.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		c.closeErr = result.ErrorOrNil()
	})
	return c.closeErr
}

func (c *stdioConn) SessionID() string { return "" }
