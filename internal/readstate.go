package internal

import (
	"sort"
	"sync"

	"realtime/internal/storage"
)

// ReadState is a copy of one (owner, opponent) read-state record.
type ReadState struct {
	OpponentID     string
	ConversationID string
	Transient      bool
	Persistent     bool
}

type readRecord struct {
	opponentID     string
	conversationID string
	transient      bool
	persistent     bool
	writing        bool
}

func (rec *readRecord) snapshot() ReadState {
	return ReadState{
		OpponentID:     rec.opponentID,
		ConversationID: rec.conversationID,
		Transient:      rec.transient,
		Persistent:     rec.persistent,
	}
}

// readStateTable is the per-owner map of opponent records. It lives exactly
// as long as the owner's connection set.
type readStateTable struct {
	owner   string
	records map[string]*readRecord
}

// pendingWrite names a record whose transient flag must be written back.
type pendingWrite struct {
	table          *readStateTable
	record         *readRecord
	opponentID     string
	conversationID string
	value          bool
}

// ReadStates holds the read-state table of every online user.
type ReadStates struct {
	mu     sync.Mutex
	tables map[string]*readStateTable
}

func newReadStates() *ReadStates {
	return &ReadStates{tables: make(map[string]*readStateTable)}
}

// open installs a fresh, empty table for owner.
func (r *ReadStates) open(owner string) *readStateTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := &readStateTable{owner: owner, records: make(map[string]*readRecord)}
	r.tables[owner] = table
	return table
}

// close detaches and returns the owner's table; later lookups miss.
func (r *ReadStates) close(owner string) *readStateTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.tables[owner]
	delete(r.tables, owner)
	return table
}

func (r *ReadStates) owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tables))
	for owner := range r.tables {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// populate fills table from the owner's conversations. It reports false if
// the table was closed or replaced while the fetch was in flight.
func (r *ReadStates) populate(table *readStateTable, conversations []storage.Conversation) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables[table.owner] != table {
		return 0, false
	}
	added := 0
	for _, conv := range conversations {
		opponent, ok := conv.Opponent(table.owner)
		if !ok || opponent == table.owner {
			continue
		}
		flag := conv.ReadFlag(table.owner)
		table.records[opponent] = &readRecord{
			opponentID:     opponent,
			conversationID: conv.ID,
			transient:      flag,
			persistent:     flag,
		}
		added++
	}
	return added, true
}

func (r *ReadStates) lookupLocked(owner, opponent string) (*readStateTable, *readRecord) {
	table, ok := r.tables[owner]
	if !ok {
		return nil, nil
	}
	return table, table.records[opponent]
}

// Get returns a copy of the record for (owner, opponent).
func (r *ReadStates) Get(owner, opponent string) (ReadState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, rec := r.lookupLocked(owner, opponent)
	if rec == nil {
		return ReadState{}, false
	}
	return rec.snapshot(), true
}

// Records lists the owner's records ordered by opponent id.
func (r *ReadStates) Records(owner string) []ReadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.tables[owner]
	if !ok {
		return nil
	}
	out := make([]ReadState, 0, len(table.records))
	for _, rec := range table.records {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpponentID < out[j].OpponentID })
	return out
}

// markSent clears the transient flag after owner sent to opponent.
func (r *ReadStates) markSent(owner, opponent string) (ReadState, bool) {
	return r.setTransient(owner, opponent, false)
}

// acknowledge sets the transient flag after opponent displayed owner's message.
func (r *ReadStates) acknowledge(owner, opponent string) (ReadState, bool) {
	return r.setTransient(owner, opponent, true)
}

func (r *ReadStates) setTransient(owner, opponent string, value bool) (ReadState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, rec := r.lookupLocked(owner, opponent)
	if rec == nil {
		return ReadState{}, false
	}
	rec.transient = value
	return rec.snapshot(), true
}

// beginWrite claims the record for a write-back when transient and
// persistent diverge. Only one write per record is in flight at a time.
func (r *ReadStates) beginWrite(owner, opponent string) (pendingWrite, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table, rec := r.lookupLocked(owner, opponent)
	if rec == nil || rec.writing || rec.transient == rec.persistent {
		return pendingWrite{}, false
	}
	rec.writing = true
	return pendingWrite{
		table:          table,
		record:         rec,
		opponentID:     opponent,
		conversationID: rec.conversationID,
		value:          rec.transient,
	}, true
}

// finishWrite releases the claim. On success persistent takes the written
// value; the result reports whether the record diverged again meanwhile.
func (r *ReadStates) finishWrite(write pendingWrite, ok bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	write.record.writing = false
	if !ok {
		return false
	}
	write.record.persistent = write.value
	if r.tables[write.table.owner] != write.table {
		return false
	}
	return write.record.transient != write.record.persistent
}

// divergent lists the records of a detached table that still need a write.
func (r *ReadStates) divergent(table *readStateTable) []pendingWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pendingWrite
	for opponent, rec := range table.records {
		if rec.transient == rec.persistent {
			continue
		}
		out = append(out, pendingWrite{
			table:          table,
			record:         rec,
			opponentID:     opponent,
			conversationID: rec.conversationID,
			value:          rec.transient,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].opponentID < out[j].opponentID })
	return out
}

// commitFlushed records a successful teardown write on a detached record.
func (r *ReadStates) commitFlushed(write pendingWrite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	write.record.persistent = write.value
}
