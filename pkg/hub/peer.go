package hub

import (
	"errors"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/daybook/recordsync/pkg/logger"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/wire"
)

// peer is one participant's websocket. Messages are queued and written by a
// single goroutine, so the room never blocks on a slow network. A peer whose
// queue overflows is disconnected: dropping messages would leave its session
// out of order.
type peer struct {
	conn    *gorilla.Conn
	codec   wire.Codec
	timeout time.Duration
	logger  logger.Logger

	// sid is fixed before the writer starts and never changes.
	sid models.SessionID

	queue    chan wire.Message
	mu       sync.Mutex
	finished bool
	done     chan struct{}
}

func newPeer(conn *gorilla.Conn, sid models.SessionID, codec wire.Codec, buffer int, timeout time.Duration, log logger.Logger) *peer {
	return &peer{
		sid:     sid,
		conn:    conn,
		codec:   codec,
		timeout: timeout,
		logger:  log,
		queue:   make(chan wire.Message, buffer),
		done:    make(chan struct{}),
	}
}

// enqueue queues msg without blocking. It reports false when the peer is
// finished or had to be dropped.
func (p *peer) enqueue(msg wire.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return false
	}
	select {
	case p.queue <- msg:
		return true
	default:
	}
	p.logger.Warn("dropping slow participant", "session", p.sid, "queued", len(p.queue))
	p.finishLocked()
	_ = p.conn.Close()
	return false
}

// finish lets the writer drain what is queued, then close the connection.
func (p *peer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *peer) finishLocked() {
	if p.finished {
		return
	}
	p.finished = true
	close(p.queue)
}

func (p *peer) writeLoop() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.write(msg); err != nil {
			if !errors.Is(err, gorilla.ErrCloseSent) {
				p.logger.Debug("failed to write message", "session", p.sid, "type", msg.Type, "error", err)
			}
			p.finish()
			_ = p.conn.Close()
			for range p.queue {
			}
			return
		}
	}
	deadline := time.Now().Add(p.timeout)
	err := p.conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), deadline)
	if err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
		p.logger.Debug("failed to write close message", "session", p.sid, "error", err)
	}
	_ = p.conn.Close()
}

func (p *peer) write(msg wire.Message) error {
	data, err := p.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if p.timeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.timeout)); err != nil {
			return err
		}
	}
	frame := gorilla.TextMessage
	if p.codec.Binary() {
		frame = gorilla.BinaryMessage
	}
	return p.conn.WriteMessage(frame, data)
}

// read blocks for the next message.
func (p *peer) read() (wire.Message, error) {
	var msg wire.Message
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := p.codec.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}
