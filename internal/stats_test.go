package internal

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func newTestStats(publisher StatsPublisher) *PresenceStats {
	cfg := HubConfig{}
	cfg.norm()
	return newPresenceStats(cfg.StatsChannel, cfg.Events, publisher, zap.NewNop())
}

func TestSubscribeSendsSnapshot(t *testing.T) {
	stats := newTestStats(nil)
	stats.online("alice")

	sub := newFakeConn(statsSubscriberUser)
	require.NoError(t, stats.Subscribe(sub))
	assert.Equal(t, []Envelope{{Event: statsSnapshotEvent, Data: StatsSnapshot{
		UsersOnline:  1,
		StatsChannel: "/stats",
		EventNames:   StatsEventNames{UserOnline: "user_online", UserOffline: "user_offline", NewMessage: "new_message"},
	}}}, sub.Envelopes())
	assert.Equal(t, 1, stats.Subscribers())
}

func TestSubscribeFailsOnDeadConn(t *testing.T) {
	stats := newTestStats(nil)
	sub := newFakeConn(statsSubscriberUser)
	sub.fail = true
	assert.Error(t, stats.Subscribe(sub))
	assert.Zero(t, stats.Subscribers())
}

func TestOfflineNeverGoesNegative(t *testing.T) {
	stats := newTestStats(nil)
	stats.offline("ghost")
	assert.Zero(t, stats.Snapshot().UsersOnline)
}

func TestBroadcastDropsFailingSubscribers(t *testing.T) {
	stats := newTestStats(nil)
	healthy, broken := newFakeConn(statsSubscriberUser), newFakeConn(statsSubscriberUser)
	require.NoError(t, stats.Subscribe(healthy))
	require.NoError(t, stats.Subscribe(broken))
	broken.fail = true

	stats.online("alice")
	assert.Equal(t, 1, stats.Subscribers())
	assert.Equal(t, []string{statsSnapshotEvent, "user_online"}, healthy.Events())
}

func TestUnsubscribe(t *testing.T) {
	stats := newTestStats(nil)
	sub := newFakeConn(statsSubscriberUser)
	require.NoError(t, stats.Subscribe(sub))
	stats.Unsubscribe(sub.ID())
	stats.Unsubscribe("unknown")
	stats.online("alice")

	assert.Zero(t, stats.Subscribers())
	assert.Equal(t, []string{statsSnapshotEvent}, sub.Events())
}

func TestBroadcastMirrorsToPublisher(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("queue full")}
	stats := newTestStats(publisher)

	stats.online("alice")
	stats.offline("alice")
	assert.Equal(t, []string{"user_online", "user_offline"}, publisher.events)
	assert.Zero(t, stats.Snapshot().UsersOnline, "publisher errors do not affect the count")
}
