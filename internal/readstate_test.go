package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime/internal/storage"
)

func TestReadStatesLifecycle(t *testing.T) {
	states := newReadStates()
	table := states.open("alice")

	conv := conversation("c1", "alice", "bob")
	conv.ReadA = false
	added, ok := states.populate(table, []storage.Conversation{conv, conversation("c2", "carol", "alice")})
	require.True(t, ok)
	assert.Equal(t, 2, added)

	rec, ok := states.Get("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, ReadState{OpponentID: "bob", ConversationID: "c1"}, rec)
	assert.Equal(t, []string{"alice"}, states.owners())

	assert.Same(t, table, states.close("alice"))
	_, ok = states.Get("alice", "bob")
	assert.False(t, ok)
	assert.Nil(t, states.close("alice"))
}

func TestPopulateRejectsStaleTable(t *testing.T) {
	states := newReadStates()
	stale := states.open("alice")
	states.close("alice")
	current := states.open("alice")

	_, ok := states.populate(stale, []storage.Conversation{conversation("c1", "alice", "bob")})
	assert.False(t, ok)
	assert.Empty(t, current.records)
}

func TestSetTransientMissingRecord(t *testing.T) {
	states := newReadStates()
	_, ok := states.markSent("alice", "bob")
	assert.False(t, ok)

	states.open("alice")
	_, ok = states.acknowledge("alice", "bob")
	assert.False(t, ok)
}

func TestBeginWriteClaimsDivergentRecordOnce(t *testing.T) {
	states := newReadStates()
	table := states.open("alice")
	_, ok := states.populate(table, []storage.Conversation{conversation("c1", "alice", "bob")})
	require.True(t, ok)

	_, ok = states.beginWrite("alice", "bob")
	assert.False(t, ok, "converged records need no write")

	states.markSent("alice", "bob")
	write, ok := states.beginWrite("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, "c1", write.conversationID)
	assert.False(t, write.value)

	_, ok = states.beginWrite("alice", "bob")
	assert.False(t, ok, "one write per record at a time")

	states.acknowledge("alice", "bob")
	again := states.finishWrite(write, true)
	assert.True(t, again, "transient moved on during the write")

	rec, _ := states.Get("alice", "bob")
	assert.False(t, rec.Persistent, "persistent holds the written value")
	assert.True(t, rec.Transient)
}

func TestFinishWriteFailureKeepsPersistent(t *testing.T) {
	states := newReadStates()
	table := states.open("alice")
	states.populate(table, []storage.Conversation{conversation("c1", "alice", "bob")})
	states.markSent("alice", "bob")

	write, ok := states.beginWrite("alice", "bob")
	require.True(t, ok)
	assert.False(t, states.finishWrite(write, false))

	rec, _ := states.Get("alice", "bob")
	assert.True(t, rec.Persistent)

	_, ok = states.beginWrite("alice", "bob")
	assert.True(t, ok, "the claim is released after a failure")
}

func TestDivergentListsDetachedRecords(t *testing.T) {
	states := newReadStates()
	table := states.open("alice")
	states.populate(table, []storage.Conversation{
		conversation("c1", "alice", "bob"),
		conversation("c2", "alice", "carol"),
		conversation("c3", "alice", "dave"),
	})
	states.markSent("alice", "dave")
	states.markSent("alice", "bob")
	states.close("alice")

	writes := states.divergent(table)
	require.Len(t, writes, 2)
	assert.Equal(t, "bob", writes[0].opponentID)
	assert.Equal(t, "dave", writes[1].opponentID)

	states.commitFlushed(writes[0])
	assert.Len(t, states.divergent(table), 1)
}
