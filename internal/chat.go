package internal

import (
	"bytes"
	"encoding/json"
)

// Envelope is the JSON frame written to every websocket connection.
type Envelope struct {
	Event          string `json:"event"`
	From           string `json:"from,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// inboundFrame is what clients send; data is decoded per event.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outgoingMessage is the body of an inbound "message" frame.
type outgoingMessage struct {
	To             string          `json:"to"`
	ConversationID string          `json:"conversationId"`
	Message        json.RawMessage `json:"message"`
}

// messageAck is the body of an inbound acknowledgment frame. From is the
// author of the displayed message, Opponent the user who displayed it.
type messageAck struct {
	From           string `json:"from"`
	Opponent       string `json:"opponent"`
	ConversationID string `json:"conversationId"`
}

// TextMessage is the shape bare string payloads are wrapped into.
type TextMessage struct {
	Message string `json:"message"`
}

// NormalizePayload wraps bare strings as {"message": s}. Structured
// payloads pass through unchanged.
func NormalizePayload(payload any) any {
	switch value := payload.(type) {
	case string:
		return TextMessage{Message: value}
	case json.RawMessage:
		trimmed := bytes.TrimSpace(value)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var text string
			if err := json.Unmarshal(trimmed, &text); err == nil {
				return TextMessage{Message: text}
			}
		}
		return value
	}
	return payload
}
