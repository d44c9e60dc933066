package internal

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime/internal/storage"
)

var interleaveUsers = []string{"alice", "bob", "carol", "dave"}

func interleaveStore() *fakeStore {
	var convs []storage.Conversation
	for i, a := range interleaveUsers {
		for _, b := range interleaveUsers[i+1:] {
			convs = append(convs, conversation(a+"-"+b, a, b))
		}
	}
	return newFakeStore(convs...)
}

// runInterleaved drives one worker's random mix of connects, repeated
// disconnects, sends and acknowledgments. It returns the connections the
// worker left open.
func runInterleaved(t *testing.T, hub *Hub, rng *rand.Rand, ops int) []*fakeConn {
	ctx := context.Background()
	var open []*fakeConn
	pick := func() string { return interleaveUsers[rng.Intn(len(interleaveUsers))] }
	for i := 0; i < ops; i++ {
		switch rng.Intn(5) {
		case 0, 1:
			conn := newFakeConn(pick())
			if !assert.NoError(t, hub.Connect(conn)) {
				return open
			}
			open = append(open, conn)
		case 2:
			if len(open) == 0 {
				continue
			}
			idx := rng.Intn(len(open))
			conn := open[idx]
			open = append(open[:idx], open[idx+1:]...)
			hub.Disconnect(ctx, conn)
			hub.Disconnect(ctx, conn)
		case 3:
			from, to := pick(), pick()
			if from == to {
				continue
			}
			_, _ = hub.Send(ctx, Message{From: from, To: to, Payload: "hi"})
		case 4:
			owner, opponent := pick(), pick()
			if owner == opponent {
				continue
			}
			_ = hub.Acknowledge(ctx, Ack{Owner: owner, Opponent: opponent})
		}
	}
	return open
}

func assertPresenceConsistent(t *testing.T, hub *Hub, wantConns int) {
	t.Helper()
	assert.Equal(t, hub.presence.ActiveCount(), hub.Stats().Snapshot().UsersOnline)
	assert.Equal(t, int64(wantConns), hub.Metrics().Snapshot()["active_connections"])
	for _, user := range interleaveUsers {
		online := hub.IsOnline(user)
		assert.Equal(t, online, len(hub.ConnectionsOf(user)) > 0, "user %s", user)
		if online {
			assert.Len(t, hub.ReadStates(user), len(interleaveUsers)-1, "records of %s", user)
		} else {
			assert.Empty(t, hub.ReadStates(user), "records of %s", user)
		}
	}
}

func TestInterleavedPresenceKeepsCountsConsistent(t *testing.T) {
	const (
		workers = 16
		ops     = 500
	)
	hub, scheduler := newTestHub(t, interleaveStore(), HubConfig{})
	monitor := newFakeConn(statsSubscriberUser)
	require.NoError(t, hub.Stats().Subscribe(monitor))

	var wg sync.WaitGroup
	leftovers := make([][]*fakeConn, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			leftovers[w] = runInterleaved(t, hub, rand.New(rand.NewSource(int64(w)+1)), ops)
		}(w)
	}
	wg.Wait()
	hub.pending.Wait()

	remaining := 0
	for _, conns := range leftovers {
		remaining += len(conns)
	}
	assertPresenceConsistent(t, hub, remaining)

	var wait sync.WaitGroup
	for _, conns := range leftovers {
		for _, conn := range conns {
			wait.Add(1)
			go func(conn *fakeConn) {
				defer wait.Done()
				hub.Disconnect(context.Background(), conn)
				hub.Disconnect(context.Background(), conn)
			}(conn)
		}
	}
	wait.Wait()
	assertPresenceConsistent(t, hub, 0)
	assert.Zero(t, hub.Stats().Snapshot().UsersOnline)

	online, offline := 0, 0
	for _, envelope := range monitor.Envelopes() {
		switch envelope.Event {
		case "user_online":
			online++
		case "user_offline":
			offline++
		}
	}
	assert.Positive(t, online)
	assert.Equal(t, online, offline, "every online transition is matched by one offline transition")

	scheduler.RunAll()
	for _, user := range interleaveUsers {
		assert.Empty(t, hub.ReadStates(user))
	}
}
