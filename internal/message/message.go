// ABOUTME: Message entity with delivery-state lifecycle and temp-ID helpers.
// ABOUTME: Temp IDs are prefixed so they can never collide with server IDs.

package message

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solstice-im/chatsync/internal/wire"
)

// DeliveryState tracks a message's confirmation lifecycle.
type DeliveryState string

const (
	// StatePending marks a local echo not yet confirmed by the server.
	StatePending DeliveryState = "pending"
	// StateSent marks a message the server has acknowledged receiving.
	StateSent DeliveryState = "sent"
	// StateDelivered marks a message delivered to the recipient's device.
	StateDelivered DeliveryState = "delivered"
	// StateSeen marks a message the recipient has read.
	StateSeen DeliveryState = "seen"
	// StateFailed marks a send the transport rejected or timed out.
	StateFailed DeliveryState = "failed"
)

// tempIDPrefix distinguishes client-assigned IDs from server-canonical ones.
const tempIDPrefix = "local-"

// DeletedBody is the sentinel that replaces a tombstoned message's text.
const DeletedBody = "This message was deleted"

// NewTempID returns a locally unique client-assigned message ID.
func NewTempID() string {
	return tempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id was assigned client-side.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// ReplyRef points at the message being replied to. Message is filled in when
// the referenced message is present in the store; otherwise only ID is set.
type ReplyRef struct {
	ID      string
	Message *Message
}

// Message is one entry in the conversation's working set.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string // 1:1 chats
	GroupID        string // group chats
	Body           string
	Media          []wire.MediaRef
	CreatedAt      time.Time
	DeliveryState  DeliveryState
	IsDeleted      bool
	RepliedTo      *ReplyRef
}

// Pending reports whether the message is an unconfirmed local echo.
func (m *Message) Pending() bool {
	return m.DeliveryState == StatePending
}

// clone returns a copy detached from the store's live entry, so callers read
// it without racing the store's in-place state transitions. The reply chain
// is copied too; media refs are immutable, so the slice header is shared.
func (m *Message) clone() *Message {
	c := *m
	if m.RepliedTo != nil {
		ref := &ReplyRef{ID: m.RepliedTo.ID}
		if m.RepliedTo.Message != nil {
			ref.Message = m.RepliedTo.Message.clone()
		}
		c.RepliedTo = ref
	}
	return &c
}

// matchesEcho reports whether a confirmed server message corresponds to this
// pending echo. Trimmed body text plus sender equality is the only reliable
// bridge: the temp ID was assigned before the server saw the message.
func (m *Message) matchesEcho(senderID, body string) bool {
	return m.Pending() &&
		m.SenderID == senderID &&
		strings.TrimSpace(m.Body) == strings.TrimSpace(body)
}

// fromPayload builds a Message from its wire representation.
func fromPayload(p wire.MessagePayload) *Message {
	msg := &Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		GroupID:        p.GroupID,
		Body:           p.Body,
		Media:          p.Media,
		CreatedAt:      p.CreatedAt,
		DeliveryState:  StateSent,
		IsDeleted:      p.IsDeleted,
	}
	if p.IsDeleted {
		msg.Body = DeletedBody
	}
	if p.RepliedToID != "" {
		msg.RepliedTo = &ReplyRef{ID: p.RepliedToID}
	}
	return msg
}
