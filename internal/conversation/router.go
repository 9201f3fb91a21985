// ABOUTME: Router decides whether an inbound event belongs to the open conversation.
// ABOUTME: Conversation-ID match first (both orientations), participant fallback second.

package conversation

// Event is the conversation-relevant slice of an inbound event. Fields that
// a given event type does not carry are left empty.
type Event struct {
	ConversationID string
	GroupID        string
	SenderID       string
	ReceiverID     string
}

// Router filters the multiplexed event stream down to one conversation.
// A Router instance is scoped to a single open conversation and discarded
// when the user switches away.
type Router struct {
	selfID    string
	partnerID string
	groupID   string
	knownIDs  map[string]struct{}
}

// NewRouter creates a router for a one-to-one conversation between the local
// user and a partner.
func NewRouter(selfID, partnerID string) *Router {
	return &Router{
		selfID:    selfID,
		partnerID: partnerID,
		knownIDs:  make(map[string]struct{}),
	}
}

// NewGroupRouter creates a router for a group conversation. Group events are
// scoped by the explicit group ID only; there is no participant fallback.
func NewGroupRouter(selfID, groupID string) *Router {
	return &Router{
		selfID:   selfID,
		groupID:  groupID,
		knownIDs: map[string]struct{}{groupID: {}},
	}
}

// Register records a server-issued conversation ID known to correspond to
// this conversation, learned from accepted traffic or a join response.
func (r *Router) Register(serverID string) {
	if serverID == "" {
		return
	}
	r.knownIDs[serverID] = struct{}{}
}

// SelfID returns the local user's ID.
func (r *Router) SelfID() string { return r.selfID }

// PartnerID returns the remote partner's ID (empty for group conversations).
func (r *Router) PartnerID() string { return r.partnerID }

// BelongsTo reports whether the event is addressed to this conversation.
//
// An event labeled with a group ID belongs only to the matching open group;
// a one-to-one conversation never accepts group traffic. When the event
// carries a conversation ID, it is accepted only if the ID matches a
// registered server-issued ID or one of the two orientations of the locally
// derived pair ID. When no ID is attached, participant matching applies: the
// sender is the partner, or the sender is the local user and the receiver is
// the partner. Everything else is discarded.
func (r *Router) BelongsTo(ev Event) bool {
	if ev.GroupID != "" {
		return ev.GroupID == r.groupID
	}

	if ev.ConversationID != "" {
		if _, ok := r.knownIDs[ev.ConversationID]; ok {
			return true
		}
		if r.groupID != "" {
			return false
		}
		pair := BothOrientations(r.selfID, r.partnerID)
		return ev.ConversationID == pair[0] || ev.ConversationID == pair[1]
	}

	if r.groupID != "" {
		// Group events must carry the group ID.
		return false
	}

	if ev.SenderID == r.partnerID {
		return true
	}
	return ev.SenderID == r.selfID && ev.ReceiverID == r.partnerID
}

// FromPartner reports whether the event's sender is the conversation partner
// and not the local user. Used to gate remote typing indicators so the
// user's own echoed-back actions never flip the partner's state.
func (r *Router) FromPartner(senderID string) bool {
	return senderID != r.selfID && senderID == r.partnerID
}
