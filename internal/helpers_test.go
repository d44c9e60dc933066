package internal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"realtime/internal/storage"
)

type flagWrite struct {
	ConversationID string
	UserID         string
	Value          bool
}

// fakeStore is an in-memory ConversationStore. Fetches block while gate is
// open so tests can interleave presence transitions with bootstrap.
type fakeStore struct {
	mu            sync.Mutex
	conversations []storage.Conversation
	fetchErr      error
	writeErr      error
	gate          chan struct{}
	fetches       int
	writes        []flagWrite
}

func newFakeStore(convs ...storage.Conversation) *fakeStore {
	return &fakeStore{conversations: convs}
}

func (s *fakeStore) FetchConversations(ctx context.Context, userID string) ([]storage.Conversation, error) {
	s.mu.Lock()
	s.fetches++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []storage.Conversation
	for _, conv := range s.conversations {
		if conv.ParticipantA == userID || conv.ParticipantB == userID {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (s *fakeStore) SetReadFlag(_ context.Context, conversationID, userID string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, flagWrite{ConversationID: conversationID, UserID: userID, Value: value})
	for i := range s.conversations {
		conv := &s.conversations[i]
		if conv.ID != conversationID {
			continue
		}
		switch userID {
		case conv.ParticipantA:
			conv.ReadA = value
		case conv.ParticipantB:
			conv.ReadB = value
		}
	}
	return nil
}

func (s *fakeStore) setWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *fakeStore) Writes() []flagWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]flagWrite(nil), s.writes...)
}

// finderStore adds participant lookup to fakeStore.
type finderStore struct {
	*fakeStore
}

func (s finderStore) FindConversation(_ context.Context, userA, userB string) (*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if (conv.ParticipantA == userA && conv.ParticipantB == userB) ||
			(conv.ParticipantA == userB && conv.ParticipantB == userA) {
			found := conv
			return &found, nil
		}
	}
	return nil, nil
}

func conversation(id, a, b string) storage.Conversation {
	return storage.Conversation{ID: id, ParticipantA: a, ParticipantB: b, ReadA: true, ReadB: true}
}

type fakeConn struct {
	id     string
	userID string

	mu        sync.Mutex
	envelopes []Envelope
	fail      bool
	closed    bool
}

var connSeq struct {
	sync.Mutex
	n int
}

func newFakeConn(userID string) *fakeConn {
	connSeq.Lock()
	connSeq.n++
	id := fmt.Sprintf("%s-%d", userID, connSeq.n)
	connSeq.Unlock()
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(envelope Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrConnClosed
	}
	c.envelopes = append(c.envelopes, envelope)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envelopes...)
}

func (c *fakeConn) Events() []string {
	var names []string
	for _, envelope := range c.Envelopes() {
		names = append(names, envelope.Event)
	}
	return names
}

// manualScheduler captures scheduled work until the test fires it.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	tasks  []func()
}

func (s *manualScheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, delay)
	s.tasks = append(s.tasks, fn)
}

func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// RunAll fires every task scheduled so far.
func (s *manualScheduler) RunAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

func newTestHub(t *testing.T, store ConversationStore, cfg HubConfig) (*Hub, *manualScheduler) {
	t.Helper()
	scheduler := &manualScheduler{}
	hub := NewHub(store, cfg, WithScheduler(scheduler.Schedule))
	t.Cleanup(func() { hub.cancel() })
	return hub, scheduler
}

// connect registers a fake connection and waits for any bootstrap it started.
func connect(t *testing.T, hub *Hub, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn(userID)
	if err := hub.Connect(conn); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	hub.pending.Wait()
	return conn
}
