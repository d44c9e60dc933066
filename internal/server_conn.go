package internal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
	sendBuffer = 256

	rateLimitedEvent = "rate_limited"
	errorEvent       = "error"
	sendEvent        = "message"
)

var (
	// ErrConnClosed is returned when sending on a connection that is gone.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when a connection's send buffer is full;
	// the connection is closed.
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// Client wraps a single websocket connection and its buffered send queue.
// Envelopes are delivered in the order Send is called.
type Client struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
	mu      sync.Mutex
	done    bool
	metrics *Metrics
}

func newClient(userID string, conn *websocket.Conn, metrics *Metrics) *Client {
	return &Client{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		metrics: metrics,
	}
}

func (client *Client) ID() string {
	return client.id
}

func (client *Client) UserID() string {
	return client.userID
}

// Send queues envelope without blocking. If the client can't keep up its
// queue is closed, which makes writePump hang up.
func (client *Client) Send(envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.done {
		return ErrConnClosed
	}
	select {
	case client.send <- payload:
		return nil
	default:
		client.done = true
		close(client.send)
		if client.metrics != nil {
			client.metrics.IncDropped()
		}
		return ErrSlowConsumer
	}
}

// Close ends the connection: the write pump sends a close frame and the
// read pump's cleanup runs once the peer is gone.
func (client *Client) Close() {
	client.close()
}

func (client *Client) close() {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.done {
		return
	}
	client.done = true
	close(client.send)
}

// readPump decodes inbound frames and hands them to handle until the
// connection fails; the deferred cleanup then runs onClose.
func (client *Client) readPump(handle func(inboundFrame), onClose func()) {
	defer func() {
		client.close()
		client.conn.Close()
		if onClose != nil {
			onClose()
		}
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			break
		}
		if handle == nil {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Event == "" {
			client.sendError("frames must be JSON objects with an event")
			continue
		}
		handle(frame)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type rateLimitNotice struct {
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

func (client *Client) sendError(message string) {
	_ = client.Send(Envelope{Event: errorEvent, Data: map[string]string{"error": message}})
}

// dispatch routes one inbound frame from a user connection into the hub.
func (s *Server) dispatch(client *Client, frame inboundFrame) {
	ctx := context.Background()
	switch frame.Event {
	case sendEvent:
		if retry, ok := s.limiter.Allow(client.userID); !ok {
			s.metrics.IncRateLimited()
			_ = client.Send(Envelope{Event: rateLimitedEvent, Data: rateLimitNotice{
				Message:      "You're sending messages too quickly. Please wait a moment and try again.",
				RetryAfterMs: retry.Milliseconds(),
			}})
			return
		}
		var msg outgoingMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.To == "" {
			client.sendError("message needs a recipient")
			return
		}
		_, err := s.hub.Send(ctx, Message{
			From:           client.userID,
			To:             msg.To,
			ConversationID: msg.ConversationID,
			Payload:        msg.Message,
		})
		if err != nil {
			s.log.Debug("send completed with error", zap.String("from", client.userID), zap.String("to", msg.To), zap.Error(err))
		}
	case s.hub.Config().Events.Ack:
		var ack messageAck
		if err := json.Unmarshal(frame.Data, &ack); err != nil || ack.From == "" {
			client.sendError("acknowledgment needs the message author")
			return
		}
		// a connection only acknowledges on behalf of its own user
		if ack.Opponent != "" && ack.Opponent != client.userID {
			s.log.Warn("ack opponent does not match connection user",
				zap.String("user", client.userID),
				zap.String("claimed", ack.Opponent),
				zap.String("owner", ack.From))
		}
		err := s.hub.Acknowledge(ctx, Ack{Owner: ack.From, Opponent: client.userID, ConversationID: ack.ConversationID})
		if err != nil {
			s.log.Debug("acknowledgment completed with error", zap.String("owner", ack.From), zap.Error(err))
		}
	default:
		s.log.Debug("unknown event", zap.String("event", frame.Event), zap.String("user", client.userID))
		client.sendError("unknown event " + frame.Event)
	}
}
