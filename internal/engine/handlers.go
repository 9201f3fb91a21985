// ABOUTME: Inbound event handlers: conversation filtering and state application.
// ABOUTME: Events failing the conversation filter are discarded silently.

package engine

import (
	"context"
	"encoding/json"

	"github.com/solstice-im/chatsync/internal/connection"
	"github.com/solstice-im/chatsync/internal/conversation"
	"github.com/solstice-im/chatsync/internal/message"
	"github.com/solstice-im/chatsync/internal/wire"
)

// installSessionHandlers registers the handlers that outlive conversation
// switches: connection lifecycle and the presence snapshot stream.
func (e *Engine) installSessionHandlers() {
	e.conn.On(connection.EventConnected, e.handleConnected)
	e.conn.On(connection.EventReconnected, e.handleReconnected)
	e.conn.On(connection.EventDisconnected, func(json.RawMessage) {
		e.setStatus("disconnected")
	})
	e.conn.On(connection.EventError, func(json.RawMessage) {
		e.setStatus(statusFor(e.conn.LastError()))
	})
	e.conn.On(connection.EventReconnectFailed, func(json.RawMessage) {
		e.setStatus(statusFor(e.conn.LastError()))
	})
	e.conn.On(wire.EventOnlineUsers, e.handleOnlineUsers)
}

// installConversationHandlers registers the handlers scoped to the open
// conversation. CloseConversation clears them as a unit.
func (e *Engine) installConversationHandlers() {
	e.conn.On(wire.EventNewMessage, e.handleNewMessage)
	e.conn.On(wire.EventPreviousMessages, e.handlePreviousMessages)
	e.conn.On(wire.EventConversationJoined, e.handleConversationJoined)
	e.conn.On(wire.EventUserTyping, e.typingHandler(true))
	e.conn.On(wire.EventUserStoppedTyping, e.typingHandler(false))
	e.conn.On(wire.EventMessagesMarkedAsRead, e.handleMarkedAsRead)
	e.conn.On(wire.EventMessageDeleted, e.handleMessageDeleted)
	e.conn.On(wire.EventMessageAck, e.handleMessageAck)
}

func (e *Engine) handleConnected(json.RawMessage) {
	e.setStatus("connected")

	e.mu.Lock()
	convID := e.convID
	e.mu.Unlock()

	if convID != "" {
		e.joinAndSync(convID, false)
	}
}

// handleReconnected requests a full authoritative resync: anything sent or
// missed during the outage reconciles against the server's snapshot.
func (e *Engine) handleReconnected(json.RawMessage) {
	e.mu.Lock()
	convID := e.convID
	e.mu.Unlock()

	if convID != "" {
		e.joinAndSync(convID, true)
	}
}

func (e *Engine) handleOnlineUsers(payload json.RawMessage) {
	var p wire.OnlineUsersPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed onlineUsers payload", "error", err)
		return
	}
	e.presence.SetOnlineUsers(p.UserIDs)
	e.hub.publish(UpdatePresence)
}

// accept runs the conversation filter, recording a newly learned
// server-issued conversation ID on acceptance.
func (e *Engine) accept(ev conversation.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.router == nil || !e.router.BelongsTo(ev) {
		e.metrics.EventsDiscarded.Inc()
		return false
	}
	e.router.Register(ev.ConversationID)
	return true
}

func (e *Engine) handleNewMessage(payload json.RawMessage) {
	var p wire.MessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed newMessage payload", "error", err)
		return
	}

	ok := e.accept(conversation.Event{
		ConversationID: p.ConversationID,
		GroupID:        p.GroupID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
	})
	if !ok {
		return
	}

	result := e.store.IngestRemote(p)
	switch result {
	case message.IngestMerged:
		e.metrics.MessagesMerged.Inc()
	case message.IngestAppended:
		e.metrics.MessagesAppended.Inc()
	}

	// Redelivered events still reconcile above; they just don't re-notify.
	if result != message.IngestDuplicate && !e.seen.CheckAndMark(p.ID) {
		e.hub.publish(UpdateMessages)
	}

	// A message from the partner means their typing burst ended.
	e.mu.Lock()
	fromPartner := e.router != nil && e.router.FromPartner(p.SenderID)
	e.mu.Unlock()
	if fromPartner && e.typing.PartnerTyping() {
		e.typing.SetPartnerTyping(false)
		e.hub.publish(UpdateTyping)
	}
}

func (e *Engine) handlePreviousMessages(payload json.RawMessage) {
	var p wire.PreviousMessagesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed previousMessages payload", "error", err)
		return
	}

	// A snapshot labeled for another conversation is discarded outright.
	if p.ConversationID != "" || p.GroupID != "" {
		if !e.accept(conversation.Event{ConversationID: p.ConversationID, GroupID: p.GroupID}) {
			return
		}
	}

	// Individual entries are still filtered: the snapshot may interleave
	// conversations when the server answers an unlabeled request.
	scoped := make([]wire.MessagePayload, 0, len(p.Messages))
	for _, mp := range p.Messages {
		ok := e.accept(conversation.Event{
			ConversationID: mp.ConversationID,
			GroupID:        mp.GroupID,
			SenderID:       mp.SenderID,
			ReceiverID:     mp.ReceiverID,
		})
		if ok {
			scoped = append(scoped, mp)
		}
	}

	e.store.IngestSnapshot(scoped, p.Full)
	for _, mp := range scoped {
		e.seen.CheckAndMark(mp.ID)
	}
	e.hub.publish(UpdateMessages)
}

// handleConversationJoined records the server's canonical ID for the open
// conversation, so later traffic labeled with it passes the filter even when
// the ID differs from the locally derived pair ID.
func (e *Engine) handleConversationJoined(payload json.RawMessage) {
	var p wire.ConversationJoinedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed conversationJoined payload", "error", err)
		return
	}
	if p.ConversationID == "" {
		return
	}

	e.mu.Lock()
	if e.router != nil {
		e.router.Register(p.ConversationID)
	}
	e.mu.Unlock()
}

// typingHandler builds the handler for one of the two typing events. The
// partner indicator flips only for events from the partner, never for the
// user's own actions echoed back by the transport.
func (e *Engine) typingHandler(startedTyping bool) connection.Handler {
	return func(payload json.RawMessage) {
		var p wire.TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			e.logger.Warn("malformed typing payload", "error", err)
			return
		}

		ok := e.accept(conversation.Event{
			ConversationID: p.ConversationID,
			GroupID:        p.GroupID,
			SenderID:       p.SenderID,
			ReceiverID:     p.ReceiverID,
		})
		if !ok {
			return
		}

		e.mu.Lock()
		fromPartner := e.router != nil && e.router.FromPartner(p.SenderID)
		e.mu.Unlock()
		if !fromPartner {
			return
		}

		e.typing.SetPartnerTyping(startedTyping)
		e.hub.publish(UpdateTyping)
	}
}

// handleMarkedAsRead flips the local user's own outgoing messages to seen
// when the partner's read receipt arrives.
func (e *Engine) handleMarkedAsRead(payload json.RawMessage) {
	var p wire.ReadReceiptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed read receipt payload", "error", err)
		return
	}

	if !e.accept(conversation.Event{ConversationID: p.ConversationID, GroupID: p.GroupID, SenderID: p.ReaderID}) {
		return
	}

	e.mu.Lock()
	selfID := e.selfID
	e.mu.Unlock()

	if p.ReaderID == selfID {
		// Our own receipt echoed back; nothing of ours became seen.
		return
	}

	if e.store.MarkSeen(selfID) > 0 {
		e.hub.publish(UpdateMessages)
	}
}

func (e *Engine) handleMessageDeleted(payload json.RawMessage) {
	var p wire.MessageDeletedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed messageDeleted payload", "error", err)
		return
	}

	if p.ConversationID != "" || p.GroupID != "" || p.SenderID != "" {
		if !e.accept(conversation.Event{ConversationID: p.ConversationID, GroupID: p.GroupID, SenderID: p.SenderID}) {
			return
		}
	}

	// The store only holds the open conversation, so membership itself is
	// the scope check for unlabeled deletions.
	if e.store.MarkDeleted(p.MessageID) {
		e.hub.publish(UpdateMessages)
	}
}

// handleMessageAck resolves the transport-level outcome of one send. A
// successful ack flips the echo to sent and requests a fresh snapshot to
// reconcile against the authoritative view.
func (e *Engine) handleMessageAck(payload json.RawMessage) {
	var p wire.MessageAckPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed messageAck payload", "error", err)
		return
	}

	if p.Error != "" {
		if e.store.MarkFailed(p.ClientRef) {
			e.logger.Warn("send rejected by server", "client_ref", p.ClientRef, "error", p.Error)
			e.hub.publish(UpdateMessages)
		}
		return
	}

	if !e.store.MarkSent(p.ClientRef, p.MessageID) {
		return
	}
	if p.MessageID != "" {
		e.seen.CheckAndMark(p.MessageID)
	}
	e.hub.publish(UpdateMessages)

	e.mu.Lock()
	convID := e.convID
	e.mu.Unlock()
	if convID != "" {
		req := wire.RequestPreviousMessagesPayload{ConversationID: convID}
		if err := e.conn.Emit(context.Background(), wire.EventRequestPreviousMessages, req); err != nil {
			e.logger.Debug("post-ack snapshot request failed", "error", err)
		}
	}
}
