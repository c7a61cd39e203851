// Package websocket wraps gobwas/ws with the channel-based read/write
// loops the realtime transports expect.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/voxbridge/realtime/shared"
)

type ClientConfig struct {
	URL         string
	DialTimeout time.Duration
	Headers     http.Header
	OnText      func(data []byte) error
	OnBinary    func(data []byte) error
	Logger      shared.LoggerAdapter
}

type Client struct {
	out      chan wsutil.Message
	done     chan struct{}
	doneOnce sync.Once
	logger   shared.LoggerAdapter
}

func (c *Client) setDone() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed when the socket is gone, whichever side closed it.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) WriteText(data []byte) {
	c.write(ws.OpText, data)
}

func (c *Client) WriteBinary(data []byte) {
	c.write(ws.OpBinary, data)
}

func (c *Client) Close(ctx context.Context) error {
	c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "closing"))
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close failed: %w", ctx.Err())
	}
}

func (c *Client) write(opcode ws.OpCode, data []byte) {
	select {
	case c.out <- wsutil.Message{OpCode: opcode, Payload: data}:
	case <-c.done:
	}
}

func Connect(ctx context.Context, config ClientConfig) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	logger = logger.With(zap.String("url", config.URL))

	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	d := ws.Dialer{
		Timeout: dialTimeout,
		Header:  ws.HandshakeHeaderHTTP(config.Headers),
	}
	conn, buf, _, err := d.Dial(dialCtx, config.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	if buf != nil {
		ws.PutReader(buf)
	}
	logger.Info("websocket connected")

	var (
		input  = make(chan wsutil.Message, 256)
		output = make(chan wsutil.Message, 256)
	)
	client := &Client{
		out:    output,
		done:   make(chan struct{}),
		logger: logger,
	}

	onText := config.OnText
	if onText == nil {
		onText = func([]byte) error { return nil }
	}
	onBinary := config.OnBinary
	if onBinary == nil {
		onBinary = func([]byte) error { return nil }
	}

	// socket -> input channel
	go func() {
		defer client.setDone()
		for {
			messages, err := wsutil.ReadServerMessage(conn, nil)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Error("websocket read failed", err)
				}
				return
			}
			for _, msg := range messages {
				select {
				case input <- msg:
				case <-client.done:
					return
				}
			}
		}
	}()

	// output channel -> socket
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case msg := <-output:
				if err := wsutil.WriteClientMessage(conn, msg.OpCode, msg.Payload); err != nil {
					logger.Error("websocket write failed", err)
					client.setDone()
					return
				}
			}
		}
	}()

	// input channel processing
	go func() {
		defer func() { _ = conn.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case msg := <-input:
				if ws.OpCode.IsControl(msg.OpCode) {
					if err := wsutil.HandleServerControlMessage(conn, msg); err != nil {
						logger.Error("handling control message failed", err)
					}
					if msg.OpCode == ws.OpClose {
						client.setDone()
					}
					continue
				}
				switch msg.OpCode {
				case ws.OpText:
					if err := onText(msg.Payload); err != nil {
						logger.Error("text handler failed", err)
					}
				case ws.OpBinary:
					if err := onBinary(msg.Payload); err != nil {
						logger.Error("binary handler failed", err)
					}
				}
			}
		}
	}()

	return client, nil
}
