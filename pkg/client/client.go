// Package client connects a session to a hub over a websocket, and talks
// to the HTTP API with [API].
//
// A [Client] is the session's [github.com/daybook/recordsync/pkg/session.Transport]:
// Send queues a message and returns at once, and a single writer goroutine
// puts queued messages on the wire in order. Everything the hub sends comes
// out of [Client.Inbound], in order, until the connection ends.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/logger"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/session"
	"github.com/daybook/recordsync/pkg/wire"
)

var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      wire.Protocols,
}

// ErrQueueFull is returned by Send when the hub is not keeping up.
var ErrQueueFull = errors.New("outbound queue is full")

type Config struct {
	// URL is the record's websocket URL; see RecordURL.
	URL string
	// Protocol asks for one codec only. Empty lets the hub pick.
	Protocol   string
	Timeout    time.Duration
	SendBuffer int
	Logger     logger.Logger
}

type Client struct {
	conn    *gorilla.Conn
	codec   wire.Codec
	timeout time.Duration
	logger  logger.Logger

	outbound chan wire.Message
	inbound  chan wire.Message

	connLock   sync.Mutex
	closed     bool
	closeErr   error
	writerDone chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
}

var _ session.Transport = (*Client)(nil)

// RecordURL returns the websocket URL of record id on the server at base,
// which may use an http or a ws scheme.
func RecordURL(base string, id models.DocumentID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	switch u.Scheme {
	case constants.HTTPScheme:
		u.Scheme = constants.WebsocketScheme
	case constants.HTTPSecureScheme:
		u.Scheme = constants.WebsocketSecureScheme
	case constants.WebsocketScheme, constants.WebsocketSecureScheme:
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/records/" + id.String()
	return u.String(), nil
}

// Dial connects to the hub and starts the read and write loops.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := *DefaultDialer
	if cfg.Protocol != "" {
		dialer.Subprotocols = []string{cfg.Protocol}
	}
	conn, res, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("failed to connect (%s): %w", res.Status, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer res.Body.Close()

	codec, err := wire.ForProtocol(conn.Subprotocol())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultWSTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = constants.DefaultSendBuffer
	}

	c := &Client{
		conn:       conn,
		codec:      codec,
		timeout:    cfg.Timeout,
		logger:     logger.OrNop(cfg.Logger),
		outbound:   make(chan wire.Message, cfg.SendBuffer),
		inbound:    make(chan wire.Message, cfg.SendBuffer),
		writerDone: make(chan struct{}),
		stop:       make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Protocol returns the negotiated codec name.
func (c *Client) Protocol() string { return c.codec.Name() }

// Inbound delivers the hub's messages. It is closed when the connection
// ends.
func (c *Client) Inbound() <-chan wire.Message { return c.inbound }

// Send queues msg for the hub without blocking.
func (c *Client) Send(msg wire.Message) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.closed {
		return c.closeError()
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if !c.closed {
		return nil
	}
	return c.closeErr
}

func (c *Client) closeError() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %v", constants.ErrSessionClosed, c.closeErr)
	}
	return constants.ErrSessionClosed
}

// Run drives s with commands and this client's inbound messages until
// either ends.
func (c *Client) Run(ctx context.Context, s *session.Session, commands <-chan session.Command) error {
	return s.Loop(ctx, commands, c.Inbound())
}

// Close flushes what is queued, sends a close frame and closes the
// connection. It gives up waiting when ctx is done.
func (c *Client) Close(ctx context.Context) error {
	c.closeWithError(nil)
	select {
	case <-c.writerDone:
	case <-ctx.Done():
	}
	c.stopOnce.Do(func() { close(c.stop) })
	return c.conn.Close()
}

// closeWithError stops accepting messages; the writer drains the queue.
func (c *Client) closeWithError(err error) {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.outbound)
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)
	for msg := range c.outbound {
		if err := c.write(msg); err != nil {
			c.logger.Debug("failed to write message", "type", msg.Type, "error", err)
			c.closeWithError(err)
			for range c.outbound {
			}
			return
		}
	}
	deadline := time.Now().Add(c.timeout)
	err := c.conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), deadline)
	if err != nil && !errors.Is(err, gorilla.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("failed to write close message", "error", err)
	}
}

func (c *Client) write(msg wire.Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	frame := gorilla.TextMessage
	if c.codec.Binary() {
		frame = gorilla.BinaryMessage
	}
	return c.conn.WriteMessage(frame, data)
}

func (c *Client) readLoop() {
	defer close(c.inbound)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleError(err)
			return
		}
		var msg wire.Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("failed to decode message", "error", err)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.stop:
			return
		}
	}
}

// handleError records why the read loop ended. A normal close by either
// side is not an error.
func (c *Client) handleError(err error) {
	switch {
	case errors.Is(err, net.ErrClosed),
		gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway):
		c.closeWithError(nil)
	case gorilla.IsUnexpectedCloseError(err):
		c.closeWithError(err)
	default:
		c.logger.Error("failed to read from websocket", "error", err)
		c.closeWithError(err)
	}
}
