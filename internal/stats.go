package internal

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// StatsPublisher mirrors stats channel events to an external bus.
type StatsPublisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// PresenceEvent is broadcast on every online/offline transition.
type PresenceEvent struct {
	User        string `json:"user"`
	UsersOnline int    `json:"usersOnline"`
}

// StatsEventNames lists the event names monitoring clients listen for.
type StatsEventNames struct {
	UserOnline  string `json:"userOnline"`
	UserOffline string `json:"userOffline"`
	NewMessage  string `json:"newMessage"`
}

// StatsSnapshot is returned by the stats query route.
type StatsSnapshot struct {
	UsersOnline  int             `json:"usersOnline"`
	StatsChannel string          `json:"statsChannel"`
	EventNames   StatsEventNames `json:"eventNames"`
}

const statsSnapshotEvent = "stats"

// PresenceStats counts online users and broadcasts transitions to the
// stats channel subscribers.
type PresenceStats struct {
	mu          sync.Mutex
	usersOnline int
	subscribers []Conn
	channel     string
	events      EventNames
	publisher   StatsPublisher
	log         *zap.Logger
}

func newPresenceStats(channel string, events EventNames, publisher StatsPublisher, log *zap.Logger) *PresenceStats {
	return &PresenceStats{
		channel:   channel,
		events:    events,
		publisher: publisher,
		log:       log,
	}
}

func (s *PresenceStats) online(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usersOnline++
	s.broadcastLocked(s.events.Online, PresenceEvent{User: userID, UsersOnline: s.usersOnline})
}

func (s *PresenceStats) offline(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usersOnline == 0 {
		s.log.Warn("offline transition with no users online", zap.String("user", userID))
		return
	}
	s.usersOnline--
	s.broadcastLocked(s.events.Offline, PresenceEvent{User: userID, UsersOnline: s.usersOnline})
}

// broadcastLocked runs under s.mu so subscribers observe transitions in
// counter order. Conn.Send never blocks.
func (s *PresenceStats) broadcastLocked(event string, payload PresenceEvent) {
	envelope := Envelope{Event: event, Data: payload}
	kept := s.subscribers[:0]
	for _, sub := range s.subscribers {
		if err := sub.Send(envelope); err != nil {
			s.log.Debug("dropping stats subscriber", zap.String("conn", sub.ID()), zap.Error(err))
			continue
		}
		kept = append(kept, sub)
	}
	for i := len(kept); i < len(s.subscribers); i++ {
		s.subscribers[i] = nil
	}
	s.subscribers = kept
	if s.publisher != nil {
		if err := s.publisher.Publish(context.Background(), event, payload); err != nil {
			s.log.Warn("stats mirror publish failed", zap.String("event", event), zap.Error(err))
		}
	}
}

// Subscribe adds conn to the stats channel and sends it the current snapshot.
func (s *PresenceStats) Subscribe(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.Send(Envelope{Event: statsSnapshotEvent, Data: s.snapshotLocked()}); err != nil {
		return err
	}
	s.subscribers = append(s.subscribers, conn)
	return nil
}

func (s *PresenceStats) Unsubscribe(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub.ID() == connID {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// closeSubscribers detaches every subscriber and hangs up the ones that
// can be closed. It returns how many were detached.
func (s *PresenceStats) closeSubscribers() int {
	s.mu.Lock()
	subscribers := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()
	for _, sub := range subscribers {
		if c, ok := sub.(closer); ok {
			c.Close()
		}
	}
	return len(subscribers)
}

func (s *PresenceStats) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *PresenceStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *PresenceStats) snapshotLocked() StatsSnapshot {
	return StatsSnapshot{
		UsersOnline:  s.usersOnline,
		StatsChannel: s.channel,
		EventNames: StatsEventNames{
			UserOnline:  s.events.Online,
			UserOffline: s.events.Offline,
			NewMessage:  s.events.Message,
		},
	}
}
