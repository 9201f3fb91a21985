// ABOUTME: Logical event names for the multiplexed chat channel.
// ABOUTME: Inbound names match what the server broadcasts, outbound what it consumes.

package wire

// Inbound event names (server to client).
const (
	EventNewMessage           = "newMessage"
	EventPreviousMessages     = "previousMessages"
	EventConversationJoined   = "conversationJoined"
	EventOnlineUsers          = "onlineUsers"
	EventUserTyping           = "userTyping"
	EventUserStoppedTyping    = "userStoppedTyping"
	EventMessagesMarkedAsRead = "messagesMarkedAsRead"
	EventMessageDeleted       = "messageDeleted"
	EventMessageAck           = "messageAck"
)

// Outbound event names (client to server).
const (
	EventJoinConversation        = "joinConversation"
	EventRequestPreviousMessages = "requestPreviousMessages"
	EventSendMessage             = "sendMessage"
	EventStartTyping             = "startTyping"
	EventStopTyping              = "stopTyping"
	EventMarkMessagesAsRead      = "markMessagesAsRead"
	EventDeleteMessage           = "deleteMessage"
)
