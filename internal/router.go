package internal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnknownConversation is returned when a store write needs a
// conversation id that cannot be resolved.
var ErrUnknownConversation = errors.New("unknown conversation")

// Message is one chat message routed from one user to another.
type Message struct {
	From           string
	To             string
	ConversationID string
	Payload        any
}

// Send fans msg out to every connection of the recipient. An offline
// recipient gets an immediate unread flag in the store instead. Either way
// the sender's record for the recipient is marked unread and a write-back
// is scheduled. It returns the number of deliveries.
func (hub *Hub) Send(ctx context.Context, msg Message) (int, error) {
	if hub.ctx.Err() != nil {
		return 0, ErrHubClosed
	}
	hub.metrics.IncRouted()
	conversationID := msg.ConversationID
	if conversationID == "" {
		if rec, ok := hub.readStates.Get(msg.From, msg.To); ok {
			conversationID = rec.ConversationID
		}
	}

	var err error
	delivered := 0
	if conns := hub.presence.ConnectionsOf(msg.To); len(conns) > 0 {
		delivered = hub.deliver(conns, Envelope{
			Event:          hub.cfg.Events.Message,
			From:           msg.From,
			ConversationID: conversationID,
			Data:           NormalizePayload(msg.Payload),
		})
	} else {
		err = hub.markUnread(ctx, msg.From, msg.To, conversationID)
	}

	if _, ok := hub.readStates.markSent(msg.From, msg.To); ok {
		hub.scheduleReconcile(msg.From, msg.To)
	}
	return delivered, err
}

// Emit pushes a payload to every connection of userID without touching
// read state.
func (hub *Hub) Emit(userID string, payload any) int {
	conns := hub.presence.ConnectionsOf(userID)
	if len(conns) == 0 {
		return 0
	}
	return hub.deliver(conns, Envelope{Event: hub.cfg.Events.Message, Data: NormalizePayload(payload)})
}

// Welcome greets userID's live connections after its namespace is opened.
func (hub *Hub) Welcome(userID string) int {
	return hub.Emit(userID, hub.cfg.WelcomeMessage)
}

func (hub *Hub) deliver(conns []Conn, envelope Envelope) int {
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(envelope); err != nil {
			hub.log.Debug("delivery failed", zap.String("conn", conn.ID()), zap.String("user", conn.UserID()), zap.Error(err))
			continue
		}
		delivered++
	}
	hub.metrics.AddDeliveries(delivered)
	return delivered
}

// markUnread writes read=false on the recipient's side straight to the store.
func (hub *Hub) markUnread(ctx context.Context, from, to, conversationID string) error {
	if conversationID == "" {
		conversationID = hub.resolveConversation(ctx, from, to)
	}
	if conversationID == "" {
		hub.log.Warn("offline message without conversation", zap.String("from", from), zap.String("to", to))
		return errors.Wrapf(ErrUnknownConversation, "%s -> %s", from, to)
	}
	hub.metrics.IncOfflineWrite()
	if err := hub.writeFlag(ctx, conversationID, to, false); err != nil {
		hub.log.Error("offline unread write failed",
			zap.String("to", to),
			zap.String("conversation", conversationID),
			zap.Error(err))
		return err
	}
	return nil
}

func (hub *Hub) resolveConversation(ctx context.Context, from, to string) string {
	finder, ok := hub.store.(conversationFinder)
	if !ok {
		return ""
	}
	conv, err := finder.FindConversation(ctx, from, to)
	if err != nil {
		hub.log.Warn("conversation lookup failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
		return ""
	}
	if conv == nil {
		return ""
	}
	return conv.ID
}
