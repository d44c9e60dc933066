package internal

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"realtime/internal/storage"
)

// ConversationStore is the persistent side of the read flags.
type ConversationStore interface {
	FetchConversations(ctx context.Context, userID string) ([]storage.Conversation, error)
	SetReadFlag(ctx context.Context, conversationID, userID string, value bool) error
}

// conversationFinder is implemented by stores that can resolve a
// conversation from its two participants.
type conversationFinder interface {
	FindConversation(ctx context.Context, userA, userB string) (*storage.Conversation, error)
}

// Scheduler runs fn once after delay. Scheduled work is never cancelled.
type Scheduler func(delay time.Duration, fn func())

func timerScheduler(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

// EventNames are the wire event names used by the hub.
type EventNames struct {
	Online  string
	Offline string
	Message string
	Ack     string
}

const (
	DefaultReconcileDelay   = 10 * time.Second
	DefaultBootstrapTimeout = 10 * time.Second
	DefaultStoreTimeout     = 5 * time.Second
	DefaultStatsChannel     = "/stats"
	DefaultWelcomeMessage   = "welcome"
)

// DefaultEventNames returns the stock event names.
func DefaultEventNames() EventNames {
	return EventNames{
		Online:  "user_online",
		Offline: "user_offline",
		Message: "new_message",
		Ack:     "message_ack",
	}
}

type HubConfig struct {
	ReconcileDelay        time.Duration
	BootstrapTimeout      time.Duration
	StoreTimeout          time.Duration
	MaxConnectionsPerUser int
	StatsChannel          string
	WelcomeMessage        string
	Events                EventNames
}

func (c *HubConfig) norm() {
	if c.ReconcileDelay <= 0 {
		c.ReconcileDelay = DefaultReconcileDelay
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.StatsChannel == "" {
		c.StatsChannel = DefaultStatsChannel
	}
	defaults := DefaultEventNames()
	if c.Events.Online == "" {
		c.Events.Online = defaults.Online
	}
	if c.Events.Offline == "" {
		c.Events.Offline = defaults.Offline
	}
	if c.Events.Message == "" {
		c.Events.Message = defaults.Message
	}
	if c.Events.Ack == "" {
		c.Events.Ack = defaults.Ack
	}
	if c.WelcomeMessage == "" {
		c.WelcomeMessage = DefaultWelcomeMessage
	}
}

type HubOption func(*Hub)

func WithScheduler(schedule Scheduler) HubOption {
	return func(h *Hub) { h.schedule = schedule }
}

func WithLogger(log *zap.Logger) HubOption {
	return func(h *Hub) { h.log = log }
}

func WithMetrics(metrics *Metrics) HubOption {
	return func(h *Hub) { h.metrics = metrics }
}

func WithStatsPublisher(publisher StatsPublisher) HubOption {
	return func(h *Hub) { h.publisher = publisher }
}

const userLockStripes = 64

// ErrHubClosed is returned for work submitted after Close.
var ErrHubClosed = errors.New("hub closed")

// closer is implemented by connections the hub can hang up on shutdown.
type closer interface {
	Close()
}

// Hub ties the connection registry, the read-state tables, the router and
// the stats aggregator together. Presence transitions for one user are
// serialized on that user's lock stripe.
type Hub struct {
	locks      [userLockStripes]sync.Mutex
	presence   *PresenceTracker
	readStates *ReadStates
	stats      *PresenceStats
	metrics    *Metrics
	store      ConversationStore
	publisher  StatsPublisher
	cfg        HubConfig
	log        *zap.Logger
	schedule   Scheduler

	nsMutex    sync.RWMutex
	namespaces map[string]struct{}

	// lifecycle orders Connect against Close so no bootstrap starts once
	// Close is waiting for them.
	lifecycle sync.RWMutex
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	pending   sync.WaitGroup
}

func NewHub(store ConversationStore, cfg HubConfig, opts ...HubOption) *Hub {
	cfg.norm()
	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		presence:   NewPresenceTracker(cfg.MaxConnectionsPerUser),
		readStates: newReadStates(),
		store:      store,
		cfg:        cfg,
		log:        zap.NewNop(),
		schedule:   timerScheduler,
		namespaces: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(hub)
	}
	if hub.metrics == nil {
		hub.metrics = NewMetrics()
	}
	hub.stats = newPresenceStats(cfg.StatsChannel, cfg.Events, hub.publisher, hub.log)
	return hub
}

func (hub *Hub) Config() HubConfig {
	return hub.cfg
}

func (hub *Hub) Metrics() *Metrics {
	return hub.metrics
}

func (hub *Hub) Stats() *PresenceStats {
	return hub.stats
}

func (hub *Hub) userLock(userID string) *sync.Mutex {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return &hub.locks[hasher.Sum32()%userLockStripes]
}

// OpenNamespace records that userID's channel exists.
func (hub *Hub) OpenNamespace(userID string) {
	hub.nsMutex.Lock()
	defer hub.nsMutex.Unlock()
	hub.namespaces[userID] = struct{}{}
}

func (hub *Hub) HasNamespace(userID string) bool {
	hub.nsMutex.RLock()
	defer hub.nsMutex.RUnlock()
	_, ok := hub.namespaces[userID]
	return ok
}

func (hub *Hub) IsOnline(userID string) bool {
	return hub.presence.Online(userID)
}

func (hub *Hub) ConnectionsOf(userID string) []Conn {
	return hub.presence.ConnectionsOf(userID)
}

// ReadState returns a copy of the (owner, opponent) record, if present.
func (hub *Hub) ReadState(owner, opponent string) (ReadState, bool) {
	return hub.readStates.Get(owner, opponent)
}

func (hub *Hub) ReadStates(owner string) []ReadState {
	return hub.readStates.Records(owner)
}

// Connect registers conn. On the user's first connection the stats channel
// hears about it and the read-state table is bootstrapped in the background.
// Registering the same handle twice is a no-op.
func (hub *Hub) Connect(conn Conn) error {
	hub.lifecycle.RLock()
	defer hub.lifecycle.RUnlock()
	if hub.closed {
		return ErrHubClosed
	}
	userID := conn.UserID()
	lock := hub.userLock(userID)
	lock.Lock()
	first, err := hub.presence.Connect(userID, conn)
	if err != nil {
		lock.Unlock()
		if errors.Is(err, ErrAlreadyConnected) {
			return nil
		}
		return err
	}
	var table *readStateTable
	if first {
		table = hub.readStates.open(userID)
		hub.stats.online(userID)
	}
	lock.Unlock()

	hub.metrics.IncConn()
	if first {
		hub.log.Info("user online", zap.String("user", userID), zap.String("conn", conn.ID()))
		hub.pending.Add(1)
		go hub.bootstrap(table)
	} else {
		hub.log.Debug("additional connection", zap.String("user", userID), zap.String("conn", conn.ID()))
	}
	return nil
}

// Disconnect removes conn. Unknown or repeated handles are ignored. When
// the last connection goes, every divergent record is flushed to the store
// before the table is discarded.
func (hub *Hub) Disconnect(ctx context.Context, conn Conn) {
	userID := conn.UserID()
	lock := hub.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	last, removed := hub.presence.Disconnect(userID, conn.ID())
	if !removed {
		return
	}
	hub.metrics.DecConn()
	if !last {
		return
	}
	table := hub.readStates.close(userID)
	hub.stats.offline(userID)
	hub.log.Info("user offline", zap.String("user", userID))
	if table != nil {
		hub.flush(ctx, table)
	}
}

func (hub *Hub) bootstrap(table *readStateTable) {
	defer hub.pending.Done()
	ctx, cancel := context.WithTimeout(hub.ctx, hub.cfg.BootstrapTimeout)
	defer cancel()

	conversations, err := hub.store.FetchConversations(ctx, table.owner)
	if err != nil {
		hub.log.Warn("read-state bootstrap failed", zap.String("user", table.owner), zap.Error(err))
		return
	}
	if len(conversations) == 0 {
		hub.log.Debug("read-state bootstrap found no conversations", zap.String("user", table.owner))
		return
	}
	added, ok := hub.readStates.populate(table, conversations)
	if !ok {
		hub.log.Debug("owner went offline before bootstrap completed", zap.String("user", table.owner))
		return
	}
	hub.log.Debug("read-state bootstrapped", zap.String("user", table.owner), zap.Int("records", added))
}

// flush persists every divergent record of a detached table.
func (hub *Hub) flush(ctx context.Context, table *readStateTable) {
	for _, write := range hub.readStates.divergent(table) {
		if err := hub.writeFlag(ctx, write.conversationID, table.owner, write.value); err != nil {
			hub.metrics.IncReconcileFailure()
			hub.log.Error("teardown flush failed",
				zap.String("user", table.owner),
				zap.String("opponent", write.opponentID),
				zap.String("conversation", write.conversationID),
				zap.Error(err))
			continue
		}
		hub.metrics.IncReconcileWrite()
		hub.readStates.commitFlushed(write)
	}
}

// Ack is an acknowledgment that Opponent displayed a message from Owner.
type Ack struct {
	Owner          string
	Opponent       string
	ConversationID string
}

// Acknowledge flips the owner's transient flag for the opponent and
// schedules a write-back. Without a record it writes read=true straight to
// the store.
func (hub *Hub) Acknowledge(ctx context.Context, ack Ack) error {
	if hub.ctx.Err() != nil {
		return ErrHubClosed
	}
	hub.metrics.IncAck()
	if _, ok := hub.readStates.acknowledge(ack.Owner, ack.Opponent); ok {
		hub.scheduleReconcile(ack.Owner, ack.Opponent)
		return nil
	}
	if ack.ConversationID == "" {
		return errors.Wrapf(ErrUnknownConversation, "ack from %s for %s", ack.Opponent, ack.Owner)
	}
	hub.metrics.IncWriteThrough()
	if err := hub.writeFlag(ctx, ack.ConversationID, ack.Owner, true); err != nil {
		hub.log.Warn("ack write-through failed",
			zap.String("owner", ack.Owner),
			zap.String("conversation", ack.ConversationID),
			zap.Error(err))
		return err
	}
	return nil
}

func (hub *Hub) scheduleReconcile(owner, opponent string) {
	hub.schedule(hub.cfg.ReconcileDelay, func() {
		if hub.ctx.Err() != nil {
			return
		}
		_ = hub.Reconcile(hub.ctx, owner, opponent)
	})
}

// Reconcile writes the transient flag of (owner, opponent) to the store if
// it differs from the persisted one. A missing record is a no-op; a failed
// write leaves persistent untouched for the next attempt.
func (hub *Hub) Reconcile(ctx context.Context, owner, opponent string) error {
	for {
		write, ok := hub.readStates.beginWrite(owner, opponent)
		if !ok {
			return nil
		}
		err := hub.writeFlag(ctx, write.conversationID, owner, write.value)
		again := hub.readStates.finishWrite(write, err == nil)
		if err != nil {
			hub.metrics.IncReconcileFailure()
			hub.log.Error("read-state reconcile failed",
				zap.String("owner", owner),
				zap.String("opponent", opponent),
				zap.String("conversation", write.conversationID),
				zap.Error(err))
			return err
		}
		hub.metrics.IncReconcileWrite()
		if !again {
			return nil
		}
	}
}

func (hub *Hub) writeFlag(ctx context.Context, conversationID, userID string, value bool) error {
	ctx, cancel := context.WithTimeout(ctx, hub.cfg.StoreTimeout)
	defer cancel()
	return hub.store.SetReadFlag(ctx, conversationID, userID, value)
}

// Close stops scheduled work, flushes every online user's read state and
// then hangs up every live connection. Connect, Send and Acknowledge fail
// with ErrHubClosed afterwards, and the disconnects that follow find no
// table left to flush.
func (hub *Hub) Close(ctx context.Context) {
	hub.lifecycle.Lock()
	if hub.closed {
		hub.lifecycle.Unlock()
		return
	}
	hub.closed = true
	hub.cancel()
	hub.lifecycle.Unlock()

	hub.pending.Wait()
	for _, owner := range hub.readStates.owners() {
		lock := hub.userLock(owner)
		lock.Lock()
		if table := hub.readStates.close(owner); table != nil {
			hub.flush(ctx, table)
		}
		lock.Unlock()
	}

	conns := hub.presence.All()
	for _, conn := range conns {
		if c, ok := conn.(closer); ok {
			c.Close()
		}
	}
	subscribers := hub.stats.closeSubscribers()
	hub.log.Info("hub closed", zap.Int("connections", len(conns)), zap.Int("subscribers", subscribers))
}
