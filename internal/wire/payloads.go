// ABOUTME: JSON envelope and payload types for every logical chat event.
// ABOUTME: Provides Encode/Decode helpers used by the transport and engine.

package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire format for all events on the channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds an envelope for the given event type and payload.
func Encode(eventType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: raw}, nil
}

// Decode unmarshals an envelope payload into the given target.
func Decode(env Envelope, target any) error {
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return nil
}

// MediaRef is an opaque reference to already-uploaded media.
type MediaRef struct {
	URL  string `json:"url"`
	Kind string `json:"kind"` // "image", "video", "voice", "document"
}

// MessagePayload carries a single server-confirmed message. It is the
// payload of newMessage and each element of previousMessages.
type MessagePayload struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId,omitempty"`
	SenderID       string     `json:"senderId"`
	ReceiverID     string     `json:"receiverId,omitempty"`
	GroupID        string     `json:"groupId,omitempty"`
	Body           string     `json:"body,omitempty"`
	Media          []MediaRef `json:"media,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	IsDeleted      bool       `json:"isDeleted,omitempty"`
	RepliedToID    string     `json:"repliedToId,omitempty"`
}

// PreviousMessagesPayload is a conversation snapshot. Full marks an
// authoritative resync that supersedes any unconfirmed local state.
type PreviousMessagesPayload struct {
	ConversationID string           `json:"conversationId,omitempty"`
	GroupID        string           `json:"groupId,omitempty"`
	Messages       []MessagePayload `json:"messages"`
	Full           bool             `json:"full,omitempty"`
}

// ConversationJoinedPayload acknowledges a joinConversation command and
// carries the server's canonical ID for the conversation.
type ConversationJoinedPayload struct {
	ConversationID string `json:"conversationId"`
}

// OnlineUsersPayload is a full replacement of the online-user set.
type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// TypingPayload is sent for both userTyping and userStoppedTyping.
type TypingPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

// ReadReceiptPayload reports that a user has read a conversation.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	ReaderID       string `json:"readerId"`
}

// MessageDeletedPayload reports a server-side deletion.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId,omitempty"`
}

// MessageAckPayload confirms receipt of a sendMessage command. ClientRef
// echoes the temporary client-assigned ID so the sender can correlate.
type MessageAckPayload struct {
	ClientRef string `json:"clientRef"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JoinConversationPayload subscribes the session to a conversation's events.
type JoinConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// RequestPreviousMessagesPayload asks for a conversation snapshot.
type RequestPreviousMessagesPayload struct {
	ConversationID string `json:"conversationId"`
	Full           bool   `json:"full,omitempty"`
}

// SendMessagePayload carries an outgoing draft. ClientRef is the temporary
// local ID assigned before the server can issue a canonical one.
type SendMessagePayload struct {
	ClientRef      string     `json:"clientRef"`
	ConversationID string     `json:"conversationId,omitempty"`
	SenderID       string     `json:"senderId"`
	ReceiverID     string     `json:"receiverId,omitempty"`
	GroupID        string     `json:"groupId,omitempty"`
	Body           string     `json:"body,omitempty"`
	Media          []MediaRef `json:"media,omitempty"`
	RepliedToID    string     `json:"repliedToId,omitempty"`
}

// MarkMessagesAsReadPayload marks a whole conversation as read.
type MarkMessagesAsReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// DeleteMessagePayload requests a server-side tombstone for one message.
type DeleteMessagePayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId"`
}
