package websocket

import (
	"time"

	"github.com/KevinKickass/OpenDAC/internal/channels"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeChannelState MessageType = "channel_state"
	MessageTypeSystemStatus MessageType = "system_status"

	// Handshake and control
	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ClientMessage is what clients send: auth, subscribe or ping.
type ClientMessage struct {
	Type     MessageType `json:"type"`
	Token    string      `json:"token,omitempty"`
	Channels []string    `json:"channels,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewChannelStateMessage(event channels.StateEvent) Message {
	msg := NewMessage(MessageTypeChannelState, event)
	if !event.Timestamp.IsZero() {
		msg.Timestamp = event.Timestamp
	}
	return msg
}

func NewSystemStatusMessage(status interface{}) Message {
	return NewMessage(MessageTypeSystemStatus, status)
}

// channelName returns the channel a message is about, or "" for messages
// every client receives.
func (m Message) channelName() string {
	if event, ok := m.Data.(channels.StateEvent); ok {
		return event.Name
	}
	return ""
}
