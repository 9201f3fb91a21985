// ABOUTME: Tests for the message store's reconciliation semantics
// ABOUTME: Covers echo replacement, idempotence, snapshots, tombstones, delivery states

package message

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solstice-im/chatsync/internal/wire"
)

func confirmed(id, sender, body string) wire.MessagePayload {
	return wire.MessagePayload{
		ID:        id,
		SenderID:  sender,
		Body:      body,
		CreatedAt: time.Now(),
	}
}

func TestStore_IngestLocalEcho(t *testing.T) {
	s := NewStore(nil)

	echo := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "hello"})

	require.NotNil(t, echo)
	assert.True(t, IsTempID(echo.ID))
	assert.Equal(t, StatePending, echo.DeliveryState)
	assert.Equal(t, 1, s.Len())
}

func TestStore_IngestRemote_ReplacesMatchingEcho(t *testing.T) {
	s := NewStore(nil)
	echo := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "hello"})

	result := s.IngestRemote(confirmed("srv-1", "alice", "hello"))

	assert.Equal(t, IngestMerged, result)
	assert.Equal(t, 1, s.Len())

	msgs := s.Messages()
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, StateSent, msgs[0].DeliveryState)

	// The temp ID is gone from the index.
	_, ok := s.Get(echo.ID)
	assert.False(t, ok)
}

func TestStore_IngestRemote_TrimmedBodyMatch(t *testing.T) {
	s := NewStore(nil)
	s.IngestLocalEcho(Draft{SenderID: "alice", Body: "hello  "})

	result := s.IngestRemote(confirmed("srv-1", "alice", "  hello"))

	assert.Equal(t, IngestMerged, result)
	assert.Equal(t, 1, s.Len())
}

func TestStore_IngestRemote_KeepsListPosition(t *testing.T) {
	s := NewStore(nil)
	s.IngestRemote(confirmed("srv-1", "bob", "first"))
	s.IngestLocalEcho(Draft{SenderID: "alice", Body: "second"})
	s.IngestRemote(confirmed("srv-3", "bob", "third"))

	s.IngestRemote(confirmed("srv-2", "alice", "second"))

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, "srv-2", msgs[1].ID)
	assert.Equal(t, "srv-3", msgs[2].ID)
}

func TestStore_IngestRemote_Idempotent(t *testing.T) {
	s := NewStore(nil)
	p := confirmed("srv-1", "bob", "hello")

	assert.Equal(t, IngestAppended, s.IngestRemote(p))
	assert.Equal(t, IngestDuplicate, s.IngestRemote(p))
	assert.Equal(t, IngestDuplicate, s.IngestRemote(p))
	assert.Equal(t, 1, s.Len())
}

func TestStore_IngestRemote_DuplicateBodiesResolveFIFO(t *testing.T) {
	s := NewStore(nil)
	first := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "same"})
	second := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "same"})

	s.IngestRemote(confirmed("srv-1", "alice", "same"))

	// The oldest echo is consumed first; the newer one is still pending.
	_, firstStillThere := s.Get(first.ID)
	assert.False(t, firstStillThere)
	newer, ok := s.Get(second.ID)
	require.True(t, ok)
	assert.True(t, newer.Pending())

	s.IngestRemote(confirmed("srv-2", "alice", "same"))
	_, secondStillThere := s.Get(second.ID)
	assert.False(t, secondStillThere)
	assert.Equal(t, 2, s.Len())
}

func TestStore_IngestRemote_WrongSenderAppends(t *testing.T) {
	s := NewStore(nil)
	s.IngestLocalEcho(Draft{SenderID: "alice", Body: "hello"})

	result := s.IngestRemote(confirmed("srv-1", "bob", "hello"))

	assert.Equal(t, IngestAppended, result)
	assert.Equal(t, 2, s.Len())
}

func TestStore_IngestRemote_PreservesLocalReplyReference(t *testing.T) {
	s := NewStore(nil)
	s.IngestRemote(confirmed("srv-1", "bob", "original"))
	echo := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "reply", RepliedToID: "srv-1"})
	require.NotNil(t, echo.RepliedTo)
	require.NotNil(t, echo.RepliedTo.Message)

	p := confirmed("srv-2", "alice", "reply")
	p.RepliedToID = "srv-1"
	s.IngestRemote(p)

	msg, ok := s.Get("srv-2")
	require.True(t, ok)
	require.NotNil(t, msg.RepliedTo)
	require.NotNil(t, msg.RepliedTo.Message)
	assert.Equal(t, "original", msg.RepliedTo.Message.Body)
}

func TestStore_IngestSnapshot_FullResyncDropsUnmatchedEchoes(t *testing.T) {
	s := NewStore(nil)
	matched := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "made it"})
	orphan := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "lost in transit"})

	s.IngestSnapshot([]wire.MessagePayload{
		confirmed("srv-1", "bob", "hi"),
		confirmed("srv-2", "alice", "made it"),
	}, true)

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get(orphan.ID)
	assert.False(t, ok, "unmatched pending echo should be dropped on full resync")
	_, ok = s.Get(matched.ID)
	assert.False(t, ok, "matched echo should have been replaced, not kept under its temp ID")
	_, ok = s.Get("srv-2")
	assert.True(t, ok)
}

func TestStore_IngestSnapshot_PartialKeepsPending(t *testing.T) {
	s := NewStore(nil)
	echo := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "still in flight"})

	s.IngestSnapshot([]wire.MessagePayload{confirmed("srv-1", "bob", "hi")}, false)

	got, ok := s.Get(echo.ID)
	require.True(t, ok)
	assert.True(t, got.Pending())
	assert.Equal(t, 2, s.Len())
}

func TestStore_MarkDeleted_Tombstones(t *testing.T) {
	s := NewStore(nil)
	s.IngestRemote(confirmed("srv-1", "bob", "regret this"))

	require.True(t, s.MarkDeleted("srv-1"))

	msg, ok := s.Get("srv-1")
	require.True(t, ok)
	assert.True(t, msg.IsDeleted)
	assert.Equal(t, DeletedBody, msg.Body)
	assert.Equal(t, 1, s.Len(), "tombstone keeps its position")

	// Idempotent.
	assert.True(t, s.MarkDeleted("srv-1"))
	assert.False(t, s.MarkDeleted("no-such-id"))
}

func TestStore_IngestRemote_DeletedMessageArrivesAsTombstone(t *testing.T) {
	s := NewStore(nil)
	p := confirmed("srv-1", "bob", "original text")
	p.IsDeleted = true

	s.IngestRemote(p)

	msg, ok := s.Get("srv-1")
	require.True(t, ok)
	assert.True(t, msg.IsDeleted)
	assert.Equal(t, DeletedBody, msg.Body)
}

func TestStore_MarkSeen_FlipsOwnSentMessages(t *testing.T) {
	s := NewStore(nil)
	echo := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "one"})
	s.IngestRemote(confirmed("srv-1", "alice", "two"))
	s.IngestRemote(confirmed("srv-2", "bob", "three"))

	flipped := s.MarkSeen("alice")

	assert.Equal(t, 1, flipped, "pending echoes and partner messages stay put")

	got, _ := s.Get("srv-1")
	assert.Equal(t, StateSeen, got.DeliveryState)
	mine, _ := s.Get(echo.ID)
	assert.True(t, mine.Pending())
	theirs, _ := s.Get("srv-2")
	assert.Equal(t, StateSent, theirs.DeliveryState)
}

func TestStore_MarkSent_RemapsCanonicalID(t *testing.T) {
	s := NewStore(nil)
	tempID := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "hello"}).ID

	require.True(t, s.MarkSent(tempID, "srv-1"))

	_, ok := s.Get(tempID)
	assert.False(t, ok, "the temp ID is gone from the index")
	msg, ok := s.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, StateSent, msg.DeliveryState)

	// A redelivery under the canonical ID is now recognized.
	assert.Equal(t, IngestDuplicate, s.IngestRemote(confirmed("srv-1", "alice", "hello")))
}

func TestStore_MarkPending_OnlyFromFailed(t *testing.T) {
	s := NewStore(nil)
	echo := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "hello"})

	assert.False(t, s.MarkPending(echo.ID), "pending is not failed")

	require.True(t, s.MarkFailed(echo.ID))
	assert.True(t, s.MarkPending(echo.ID))
	got, _ := s.Get(echo.ID)
	assert.True(t, got.Pending())
}

func TestStore_MarkFailed_ScopedToOneMessage(t *testing.T) {
	s := NewStore(nil)
	first := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "one"})
	second := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "two"})

	require.True(t, s.MarkFailed(first.ID))

	failed, _ := s.Get(first.ID)
	assert.Equal(t, StateFailed, failed.DeliveryState)
	other, _ := s.Get(second.ID)
	assert.True(t, other.Pending())
}

func TestStore_ReadAccessorsReturnDetachedCopies(t *testing.T) {
	s := NewStore(nil)
	echo := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "hello"})
	listed := s.Messages()[0]

	require.True(t, s.MarkFailed(echo.ID))

	// Earlier snapshots are unaffected by the state transition.
	assert.Equal(t, StatePending, echo.DeliveryState)
	assert.Equal(t, StatePending, listed.DeliveryState)

	got, ok := s.Get(echo.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.DeliveryState)
}

func TestStore_ConcurrentReadersAndWriters(t *testing.T) {
	s := NewStore(nil)
	s.IngestRemote(confirmed("srv-0", "bob", "earlier"))
	echo := s.IngestLocalEcho(Draft{SenderID: "alice", Body: "hello", RepliedToID: "srv-0"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.MarkFailed(echo.ID)
			s.MarkPending(echo.ID)
			s.MarkSeen("alice")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, m := range s.Messages() {
				_ = m.DeliveryState
			}
			if m, ok := s.Get(echo.ID); ok {
				_ = m.Pending()
			}
		}
	}()
	wg.Wait()
}

func TestStore_DisplayMessages_NewestFirst(t *testing.T) {
	s := NewStore(nil)
	s.IngestRemote(confirmed("srv-1", "bob", "oldest"))
	s.IngestRemote(confirmed("srv-2", "bob", "middle"))
	s.IngestRemote(confirmed("srv-3", "bob", "newest"))

	display := s.DisplayMessages()

	require.Len(t, display, 3)
	assert.Equal(t, "srv-3", display[0].ID)
	assert.Equal(t, "srv-1", display[2].ID)

	// Arrival order is unchanged.
	history := s.Messages()
	assert.Equal(t, "srv-1", history[0].ID)
}

func TestStore_Reset(t *testing.T) {
	s := NewStore(nil)
	s.IngestRemote(confirmed("srv-1", "bob", "hello"))
	s.IngestLocalEcho(Draft{SenderID: "alice", Body: "bye"})

	s.Reset()

	assert.Equal(t, 0, s.Len())
	_, ok := s.Get("srv-1")
	assert.False(t, ok)
}
