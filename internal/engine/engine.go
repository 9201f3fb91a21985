// ABOUTME: Orchestrator façade: composes connection, router, store, typing, presence.
// ABOUTME: User actions flow down (echo then emit); inbound events flow up through filters.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/solstice-im/chatsync/internal/config"
	"github.com/solstice-im/chatsync/internal/connection"
	"github.com/solstice-im/chatsync/internal/conversation"
	"github.com/solstice-im/chatsync/internal/credentials"
	"github.com/solstice-im/chatsync/internal/dedupe"
	"github.com/solstice-im/chatsync/internal/message"
	"github.com/solstice-im/chatsync/internal/metrics"
	"github.com/solstice-im/chatsync/internal/presence"
	"github.com/solstice-im/chatsync/internal/receipt"
	"github.com/solstice-im/chatsync/internal/transport"
	"github.com/solstice-im/chatsync/internal/typing"
	"github.com/solstice-im/chatsync/internal/wire"
)

// Engine errors.
var (
	// ErrEmptyMessage means Send was called with no text and no media.
	ErrEmptyMessage = errors.New("message needs text or media")

	// ErrNoConversation means the operation requires an open conversation.
	ErrNoConversation = errors.New("no conversation open")

	// ErrUnknownMessage means the referenced message is not in the store.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrNotRetryable means RetrySend was called on a message that has not
	// failed.
	ErrNotRetryable = errors.New("message has not failed")
)

// conversationEvents are the handler-table entries scoped to one open
// conversation, cleared as a unit on switch or close.
var conversationEvents = []string{
	wire.EventNewMessage,
	wire.EventPreviousMessages,
	wire.EventConversationJoined,
	wire.EventUserTyping,
	wire.EventUserStoppedTyping,
	wire.EventMessagesMarkedAsRead,
	wire.EventMessageDeleted,
	wire.EventMessageAck,
}

// Engine is the façade the view layer talks to. One Engine per
// authenticated session.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn  *connection.Manager
	creds credentials.Source

	store    *message.Store
	typing   *typing.Coordinator
	presence *presence.Tracker
	receipts *receipt.Throttler
	seen     *dedupe.SeenCache
	hub      *updateHub

	mu        sync.Mutex
	selfID    string
	router    *conversation.Router
	convID    string
	partnerID string
	groupID   string
	status    string

	closeOnce sync.Once
	done      chan struct{}
}

// New builds an engine for the session identified by the credential
// source's current credential. The connection is constructed here and torn
// down in Close; there is no shared global connection.
func New(cfg *config.Config, dialer transport.Dialer, monitor transport.NetworkMonitor, creds credentials.Source, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	cred, err := creds.Current()
	if err != nil {
		return nil, fmt.Errorf("resolving credential: %w", err)
	}
	claims, err := credentials.Inspect(cred.Token)
	if err != nil {
		return nil, fmt.Errorf("inspecting credential: %w", err)
	}

	connCfg := connection.DefaultConfig()
	connCfg.MaxRetries = cfg.Connection.MaxRetries
	connCfg.BackoffMin = cfg.Connection.BackoffMin
	connCfg.BackoffMax = cfg.Connection.BackoffMax
	connCfg.AttemptTimeout = cfg.Connection.AttemptTimeout
	connCfg.WatchdogTimeout = cfg.Connection.WatchdogTimeout

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		metrics:  m,
		conn:     connection.NewManager(connCfg, dialer, monitor, m, logger),
		creds:    creds,
		store:    message.NewStore(logger),
		typing:   typing.NewCoordinator(),
		presence: presence.NewTracker(),
		receipts: receipt.NewThrottler(cfg.Receipts.Window),
		seen:     dedupe.NewSeenCache(cfg.Dedupe.TTL, cfg.Dedupe.Max),
		hub:      newUpdateHub(logger),
		selfID:   claims.Subject,
		status:   "disconnected",
		done:     make(chan struct{}),
	}

	e.installSessionHandlers()
	go e.watchCredentials()

	return e, nil
}

// Start initiates the session's connection. Non-blocking; progress surfaces
// through ConnectionState, StatusLine, and update notifications.
func (e *Engine) Start() error {
	cred, err := e.creds.Current()
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}
	e.conn.Connect(cred.Token)
	return nil
}

// Close tears down the session: connection, caches, and subscribers.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.CloseConversation()
		e.conn.Close()
		e.seen.Close()
		e.hub.close()
	})
}

// Open scopes the engine to a one-to-one conversation with partnerID,
// resetting any previously open conversation's working state. The shared
// connection is untouched; it is session-scoped.
func (e *Engine) Open(partnerID string) {
	e.mu.Lock()
	e.resetConversationLocked()
	e.router = conversation.NewRouter(e.selfID, partnerID)
	e.partnerID = partnerID
	e.groupID = ""
	e.convID = conversation.PairID(e.selfID, partnerID)
	convID := e.convID
	e.mu.Unlock()

	e.installConversationHandlers()
	e.joinAndSync(convID, false)
	e.hub.publish(UpdateMessages)
}

// OpenGroup scopes the engine to a group conversation.
func (e *Engine) OpenGroup(groupID string) {
	e.mu.Lock()
	e.resetConversationLocked()
	e.router = conversation.NewGroupRouter(e.selfID, groupID)
	e.partnerID = ""
	e.groupID = groupID
	e.convID = groupID
	e.mu.Unlock()

	e.installConversationHandlers()
	e.joinAndSync(groupID, false)
	e.hub.publish(UpdateMessages)
}

// CloseConversation deregisters every conversation-scoped handler and
// clears the conversation's working state. The session connection stays up.
func (e *Engine) CloseConversation() {
	for _, ev := range conversationEvents {
		e.conn.Off(ev)
	}

	e.mu.Lock()
	e.resetConversationLocked()
	e.router = nil
	e.partnerID = ""
	e.groupID = ""
	e.convID = ""
	e.mu.Unlock()
}

// resetConversationLocked clears conversation-lifetime state. mu held.
func (e *Engine) resetConversationLocked() {
	if e.convID != "" {
		e.receipts.Reset(e.convID)
	}
	e.store.Reset()
	e.typing.Reset()
}

// Send registers an optimistic echo for the draft and transmits it. The
// returned echo is a snapshot taken at send time; confirmation or failure
// surfaces through Messages and the update stream. A transport failure
// scopes to this one message; the rest of the conversation stays
// interactive.
func (e *Engine) Send(text string, media []wire.MediaRef, replyToID string) (*message.Message, error) {
	if strings.TrimSpace(text) == "" && len(media) == 0 {
		return nil, ErrEmptyMessage
	}

	e.mu.Lock()
	if e.router == nil {
		e.mu.Unlock()
		return nil, ErrNoConversation
	}
	draft := message.Draft{
		ConversationID: e.convID,
		SenderID:       e.selfID,
		ReceiverID:     e.partnerID,
		GroupID:        e.groupID,
		Body:           text,
		Media:          media,
		RepliedToID:    replyToID,
	}
	e.mu.Unlock()

	echo := e.store.IngestLocalEcho(draft)
	e.hub.publish(UpdateMessages)

	if err := e.transmit(echo); err != nil {
		e.store.MarkFailed(echo.ID)
		e.hub.publish(UpdateMessages)
		return echo, fmt.Errorf("sending message: %w", err)
	}
	return echo, nil
}

// RetrySend retransmits one failed message. Only that message's state is
// touched.
func (e *Engine) RetrySend(messageID string) error {
	msg, ok := e.store.Get(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if !e.store.MarkPending(messageID) {
		return ErrNotRetryable
	}
	e.hub.publish(UpdateMessages)

	if err := e.transmit(msg); err != nil {
		e.store.MarkFailed(messageID)
		e.hub.publish(UpdateMessages)
		return fmt.Errorf("retrying message: %w", err)
	}
	return nil
}

// transmit emits the sendMessage command for a pending echo.
func (e *Engine) transmit(msg *message.Message) error {
	payload := wire.SendMessagePayload{
		ClientRef:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		GroupID:        msg.GroupID,
		Body:           msg.Body,
		Media:          msg.Media,
	}
	if msg.RepliedTo != nil {
		payload.RepliedToID = msg.RepliedTo.ID
	}
	return e.conn.Emit(context.Background(), wire.EventSendMessage, payload)
}

// StartTyping transmits a typing indicator on the idle-to-typing
// transition only; repeated calls while typing are no-ops.
func (e *Engine) StartTyping() {
	if !e.typing.StartTyping() {
		return
	}
	e.emitTyping(wire.EventStartTyping)
	e.hub.publish(UpdateTyping)
}

// StopTyping transmits the stop indicator on the typing-to-idle transition.
func (e *Engine) StopTyping() {
	if !e.typing.StopTyping() {
		return
	}
	e.emitTyping(wire.EventStopTyping)
	e.hub.publish(UpdateTyping)
}

func (e *Engine) emitTyping(event string) {
	e.mu.Lock()
	if e.router == nil {
		e.mu.Unlock()
		return
	}
	payload := wire.TypingPayload{
		ConversationID: e.convID,
		SenderID:       e.selfID,
		ReceiverID:     e.partnerID,
	}
	e.mu.Unlock()

	if err := e.conn.Emit(context.Background(), event, payload); err != nil {
		e.logger.Debug("typing indicator not sent", "error", err)
	}
}

// MarkRead emits markMessagesAsRead for the open conversation, at most once
// per configured window; calls inside the window are no-ops.
func (e *Engine) MarkRead() {
	e.mu.Lock()
	convID := e.convID
	selfID := e.selfID
	e.mu.Unlock()

	if convID == "" {
		return
	}
	if !e.receipts.Allow(convID) {
		e.metrics.ReceiptsThrottled.Inc()
		return
	}

	payload := wire.MarkMessagesAsReadPayload{ConversationID: convID, ReaderID: selfID}
	if err := e.conn.Emit(context.Background(), wire.EventMarkMessagesAsRead, payload); err != nil {
		e.logger.Debug("mark-read not sent", "error", err)
	}
}

// DeleteMessage tombstones a message locally and requests the server-side
// deletion.
func (e *Engine) DeleteMessage(messageID string) error {
	if !e.store.MarkDeleted(messageID) {
		return ErrUnknownMessage
	}
	e.hub.publish(UpdateMessages)

	e.mu.Lock()
	convID := e.convID
	e.mu.Unlock()

	payload := wire.DeleteMessagePayload{ConversationID: convID, MessageID: messageID}
	if err := e.conn.Emit(context.Background(), wire.EventDeleteMessage, payload); err != nil {
		return fmt.Errorf("requesting deletion: %w", err)
	}
	return nil
}

// RetryConnection restarts the connection attempt with the current
// credential, e.g. from a banner's retry affordance.
func (e *Engine) RetryConnection() {
	cred, err := e.creds.Current()
	if err != nil {
		e.logger.Warn("retry requested without credential", "error", err)
		return
	}
	e.conn.Connect(cred.Token)
}

// Background schedules a deferred disconnect so brief app backgrounding
// does not thrash the connection.
func (e *Engine) Background() {
	e.conn.DisconnectAfter(e.cfg.Connection.BackgroundGrace)
}

// Foreground cancels a pending deferred disconnect and re-ensures the
// connection.
func (e *Engine) Foreground() {
	e.conn.CancelDeferredDisconnect()
	e.RetryConnection()
}

// Subscribe registers for coarse change notifications until ctx is
// cancelled.
func (e *Engine) Subscribe(ctx context.Context) <-chan Update {
	ch, _ := e.hub.subscribe(ctx)
	return ch
}

// Messages returns the open conversation in display order (newest first).
func (e *Engine) Messages() []*message.Message {
	return e.store.DisplayMessages()
}

// History returns the open conversation in arrival order.
func (e *Engine) History() []*message.Message {
	return e.store.Messages()
}

// ConnectionState returns the connection lifecycle state.
func (e *Engine) ConnectionState() connection.State {
	return e.conn.State()
}

// StatusLine returns the single banner-style status string for the view.
func (e *Engine) StatusLine() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LocalTyping reports whether the local user is typing.
func (e *Engine) LocalTyping() bool { return e.typing.LocalTyping() }

// PartnerTyping reports whether the conversation partner is typing.
func (e *Engine) PartnerTyping() bool { return e.typing.PartnerTyping() }

// IsOnline reports whether a user is in the latest presence snapshot.
func (e *Engine) IsOnline(userID string) bool { return e.presence.IsOnline(userID) }

// SelfID returns the local user's ID from the session credential.
func (e *Engine) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// setStatus updates the banner line and nudges subscribers.
func (e *Engine) setStatus(status string) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	e.hub.publish(UpdateConnection)
}

// statusFor maps a connection error to its banner line. Network
// unavailability is deliberately distinct from transport failure.
func statusFor(err error) string {
	switch {
	case errors.Is(err, connection.ErrOffline):
		return "offline, waiting for network"
	case errors.Is(err, transport.ErrAuthRejected):
		return "session expired, sign in again"
	case errors.Is(err, connection.ErrRetriesExhausted):
		return "connection failed"
	default:
		return "connection error"
	}
}

// watchCredentials reacts to credential changes from the session store:
// logout disconnects, a new credential reconnects under the new identity.
func (e *Engine) watchCredentials() {
	changes := e.creds.Changes()
	for {
		select {
		case <-e.done:
			return
		case cred, ok := <-changes:
			if !ok {
				return
			}
			e.credentialChanged(cred)
		}
	}
}

func (e *Engine) credentialChanged(cred credentials.Credential) {
	if cred.Zero() {
		e.logger.Info("credential cleared, disconnecting")
		e.conn.Disconnect()
		return
	}

	claims, err := credentials.Inspect(cred.Token)
	if err != nil {
		e.logger.Error("replacement credential rejected", "error", err)
		return
	}

	e.mu.Lock()
	identityChanged := claims.Subject != e.selfID
	e.selfID = claims.Subject
	hadConversation := e.router != nil
	e.mu.Unlock()

	if identityChanged {
		// The conversation belonged to the previous identity.
		e.CloseConversation()
		hadConversation = false
	}

	// A different credential clears the manager's handler table as part of
	// teardown; reinstall after the new attempt starts.
	e.conn.Connect(cred.Token)
	e.installSessionHandlers()
	if hadConversation {
		e.installConversationHandlers()
	}
}

// joinAndSync subscribes to the conversation's events server-side and
// requests a snapshot. Failures are tolerated: the connected lifecycle
// handler re-joins once the connection is up.
func (e *Engine) joinAndSync(convID string, full bool) {
	ctx := context.Background()

	join := wire.JoinConversationPayload{ConversationID: convID}
	if err := e.conn.Emit(ctx, wire.EventJoinConversation, join); err != nil {
		e.logger.Debug("join deferred until connected", "error", err)
		return
	}

	req := wire.RequestPreviousMessagesPayload{ConversationID: convID, Full: full}
	if err := e.conn.Emit(ctx, wire.EventRequestPreviousMessages, req); err != nil {
		e.logger.Debug("snapshot request failed", "error", err)
	}
}
