// Package transport is the persistent bidirectional signaling channel to
// the relay for one room. It frames messages, pumps them in and out, and
// signals closure. It never reconnects on its own; that decision belongs
// to the lifecycle controller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

type EventKind int

const (
	// EventFrame carries one decoded inbound signaling message.
	EventFrame EventKind = iota
	// EventClosed reports the channel is gone; Err is nil for a local
	// Close and non-nil when the read side failed.
	EventClosed
	// EventErrored reports a malformed inbound frame. The connection
	// stays up.
	EventErrored
)

type Event struct {
	Kind EventKind
	Msg  protocol.Message
	Err  error
}

type Options struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	SendBuffer   int
}

func (o *Options) withDefaults() {
	if o.ReadLimit == 0 {
		o.ReadLimit = 65536
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer == 0 {
		o.SendBuffer = 32
	}
}

// Conn is one live signaling connection. Events are delivered in receipt
// order on a single channel; the events channel closes after EventClosed.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	events chan Event

	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Dial connects to the relay's signaling endpoint for one room and
// starts the read/write pumps.
func Dial(ctx context.Context, relayURL string, roomID domain.RoomID, id domain.Identity, opts Options) (*Conn, error) {
	opts.withDefaults()

	endpoint := fmt.Sprintf("%s/api/ws/%s?user_id=%s&username=%s",
		strings.TrimRight(relayURL, "/"), roomID,
		url.QueryEscape(string(id.ID)), url.QueryEscape(id.Username))

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	ws.SetReadLimit(opts.ReadLimit)

	c := &Conn{
		ws:           ws,
		send:         make(chan []byte, opts.SendBuffer),
		events:       make(chan Event, opts.SendBuffer),
		writeTimeout: opts.WriteTimeout,
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Events returns the inbound event queue. It closes once the connection
// is fully torn down.
func (c *Conn) Events() <-chan Event { return c.events }

// Send encodes and queues an outbound frame. Sending after close is a
// no-op logged as a warning, never an error to the caller; callers are
// expected to check liveness before sending.
func (c *Conn) Send(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "peer.transport").Msg("encode frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		log.Warn().Str("module", "peer.transport").Str("type", string(m.Kind())).Msg("send after close dropped")
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("module", "peer.transport").Str("type", string(m.Kind())).Msg("send buffer full, frame dropped")
	}
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.ws.Close()
}

func (c *Conn) writePump() {
	for data := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			log.Error().Err(err).Str("module", "peer.transport").Msg("writePump set deadline")
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "peer.transport").Msg("writePump write error")
			return
		}
	}
}

func (c *Conn) readPump() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			deliberate := c.closed
			c.mu.Unlock()
			if deliberate {
				c.events <- Event{Kind: EventClosed}
			} else {
				log.Warn().Err(err).Str("module", "peer.transport").Msg("signaling connection lost")
				c.Close()
				c.events <- Event{Kind: EventClosed, Err: err}
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				log.Warn().Err(err).Str("module", "peer.transport").Msg("unknown frame skipped")
				continue
			}
			c.events <- Event{Kind: EventErrored, Err: err}
			continue
		}
		c.events <- Event{Kind: EventFrame, Msg: msg}
	}
}
