// ABOUTME: Reconciliation engine merging optimistic echoes with server-confirmed messages.
// ABOUTME: Idempotent remote ingest, in-place echo replacement, snapshot resync, tombstones.

package message

import (
	"log/slog"
	"sync"
	"time"

	"github.com/solstice-im/chatsync/internal/wire"
)

// IngestResult describes what IngestRemote did with a server message.
type IngestResult int

const (
	// IngestDuplicate means the message was already present; nothing changed.
	IngestDuplicate IngestResult = iota
	// IngestMerged means a pending local echo was replaced in place.
	IngestMerged
	// IngestAppended means the message was new and appended to the set.
	IngestAppended
)

// Draft is the caller-supplied content for an optimistic local echo.
type Draft struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	GroupID        string
	Body           string
	Media          []wire.MediaRef
	RepliedToID    string
}

// Store holds the ordered message set for the currently open conversation.
// Entries stay in arrival order; display order is derived. All operations
// are safe for concurrent use: read accessors return detached copies, never
// pointers into the live set.
type Store struct {
	mu      sync.RWMutex
	ordered []*Message
	byID    map[string]*Message
	logger  *slog.Logger
}

// NewStore creates an empty store. Pass nil logger for default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byID:   make(map[string]*Message),
		logger: logger.With("component", "store"),
	}
}

// IngestLocalEcho appends an optimistic echo for a just-sent draft and
// returns a detached copy of it. The echo carries a temporary
// client-assigned ID and deliveryState pending until the server confirms.
func (s *Store) IngestLocalEcho(draft Draft) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	echo := &Message{
		ID:             NewTempID(),
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		ReceiverID:     draft.ReceiverID,
		GroupID:        draft.GroupID,
		Body:           draft.Body,
		Media:          draft.Media,
		CreatedAt:      time.Now(),
		DeliveryState:  StatePending,
	}
	if draft.RepliedToID != "" {
		echo.RepliedTo = &ReplyRef{ID: draft.RepliedToID, Message: s.byID[draft.RepliedToID]}
	}

	s.ordered = append(s.ordered, echo)
	s.byID[echo.ID] = echo

	s.logger.Debug("local echo created", "temp_id", echo.ID)
	return echo.clone()
}

// IngestRemote merges one server-confirmed message into the set.
//
// Applying the same message twice leaves the store unchanged. A confirmed
// message first tries to replace the oldest pending echo with matching
// trimmed body and sender, keeping that entry's list position; restricting
// the match to the oldest echo resolves identical back-to-back sends in FIFO
// order as confirmations arrive. Otherwise the message is appended; a
// confirmation that matches nothing is not an error, just new data.
func (s *Store) IngestRemote(p wire.MessagePayload) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestRemoteLocked(p)
}

func (s *Store) ingestRemoteLocked(p wire.MessagePayload) IngestResult {
	if _, exists := s.byID[p.ID]; exists {
		return IngestDuplicate
	}

	confirmed := fromPayload(p)

	for i, existing := range s.ordered {
		if !existing.matchesEcho(p.SenderID, p.Body) {
			continue
		}

		// Keep the richer local reply reference when the server message
		// carries only an ID.
		if existing.RepliedTo != nil && existing.RepliedTo.Message != nil {
			if confirmed.RepliedTo == nil || confirmed.RepliedTo.Message == nil {
				confirmed.RepliedTo = existing.RepliedTo
			}
		}
		s.resolveReplyLocked(confirmed)

		delete(s.byID, existing.ID)
		s.ordered[i] = confirmed
		s.byID[confirmed.ID] = confirmed

		s.logger.Debug("echo confirmed", "temp_id", existing.ID, "id", confirmed.ID)
		return IngestMerged
	}

	s.resolveReplyLocked(confirmed)
	s.ordered = append(s.ordered, confirmed)
	s.byID[confirmed.ID] = confirmed
	return IngestAppended
}

// resolveReplyLocked fills in the reply reference when the target is in store.
func (s *Store) resolveReplyLocked(m *Message) {
	if m.RepliedTo != nil && m.RepliedTo.Message == nil {
		m.RepliedTo.Message = s.byID[m.RepliedTo.ID]
	}
}

// IngestSnapshot applies a conversation snapshot. With fullResync set, the
// snapshot is authoritative: pending echoes that found no match in it are
// dropped, since the server's view supersedes them.
func (s *Store) IngestSnapshot(msgs []wire.MessagePayload, fullResync bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range msgs {
		s.ingestRemoteLocked(p)
	}

	if !fullResync {
		return
	}

	kept := s.ordered[:0]
	for _, m := range s.ordered {
		if m.Pending() && IsTempID(m.ID) {
			delete(s.byID, m.ID)
			s.logger.Debug("pending echo superseded by resync", "temp_id", m.ID)
			continue
		}
		kept = append(kept, m)
	}
	s.ordered = kept
}

// MarkDeleted tombstones a message: the body becomes the deletion sentinel
// and IsDeleted flips, but the entry keeps its position. Idempotent.
// Returns false if no such message exists.
func (s *Store) MarkDeleted(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return false
	}
	if m.IsDeleted {
		return true
	}

	m.Body = DeletedBody
	m.Media = nil
	m.IsDeleted = true
	return true
}

// MarkSeen flips every one of ownerID's own outgoing messages to seen. Used
// when the remote party's read receipt arrives. Returns the number flipped.
func (s *Store) MarkSeen(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	for _, m := range s.ordered {
		if m.SenderID != ownerID {
			continue
		}
		switch m.DeliveryState {
		case StateSent, StateDelivered:
			m.DeliveryState = StateSeen
			flipped++
		}
	}
	return flipped
}

// MarkSent records a transport-level acknowledgment for a pending echo. If
// the server assigned a canonical ID it replaces the temp ID, so a later
// redelivery of the same message is recognized as a duplicate.
func (s *Store) MarkSent(tempID, canonicalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[tempID]
	if !ok || !m.Pending() {
		return false
	}

	m.DeliveryState = StateSent
	if canonicalID != "" && canonicalID != tempID {
		delete(s.byID, tempID)
		m.ID = canonicalID
		s.byID[canonicalID] = m
	}
	return true
}

// MarkPending returns a failed message to pending ahead of a retry, so a
// later confirmation can still reconcile it by content. Returns false unless
// the message exists and is currently failed.
func (s *Store) MarkPending(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok || m.DeliveryState != StateFailed {
		return false
	}
	m.DeliveryState = StatePending
	return true
}

// MarkFailed flags one message as failed, leaving the rest of the
// conversation untouched. Returns false if no such message exists.
func (s *Store) MarkFailed(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return false
	}
	m.DeliveryState = StateFailed
	return true
}

// Get returns a copy of the message with the given ID, if present.
func (s *Store) Get(messageID string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[messageID]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Messages returns copies of the working set in arrival order.
func (s *Store) Messages() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Message, len(s.ordered))
	for i, m := range s.ordered {
		out[i] = m.clone()
	}
	return out
}

// DisplayMessages returns the derived newest-first view, as copies.
func (s *Store) DisplayMessages() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Message, len(s.ordered))
	for i, m := range s.ordered {
		out[len(out)-1-i] = m.clone()
	}
	return out
}

// Len returns the number of entries, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}

// Reset clears the working set. Called when the user switches conversations.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ordered = nil
	s.byID = make(map[string]*Message)
}
