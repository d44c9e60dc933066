// Package statsbus mirrors stats channel events onto Redis pub/sub so other
// processes can follow presence without holding a websocket.
package statsbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultChannel = "realtime:stats"
	queueSize      = 256
	pingTimeout    = 3 * time.Second
	publishTimeout = 2 * time.Second
)

var (
	// ErrQueueFull is returned when the publisher cannot keep up.
	ErrQueueFull = errors.New("stats mirror queue full")
	ErrClosed    = errors.New("stats mirror closed")
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Message is the JSON document published for every event.
type Message struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
}

// Encode renders an event the way it is published.
func Encode(event string, payload any, now time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", event)
	}
	return json.Marshal(Message{Event: event, Data: data, Timestamp: now.UTC()})
}

// RedisPublisher queues events and publishes them from a single goroutine,
// so Publish never blocks the caller on the network.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
	done    chan struct{}

	mu     sync.Mutex
	queue  chan []byte
	closed bool
}

// NewRedisPublisher connects to Redis and starts the publish loop.
func NewRedisPublisher(ctx context.Context, cfg Config, log *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}
	publisher := newPublisher(client, cfg.Channel, log)
	go publisher.run()
	return publisher, nil
}

func newPublisher(client *redis.Client, channel string, log *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan []byte, queueSize),
		log:     log.Named("statsbus"),
		done:    make(chan struct{}),
	}
}

func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish enqueues the event. It fails fast when the queue is full.
func (p *RedisPublisher) Publish(_ context.Context, event string, payload any) error {
	message, err := Encode(event, payload, time.Now())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- message:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for message := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.client.Publish(ctx, p.channel, message).Err()
		cancel()
		if err != nil {
			p.log.Warn("redis publish failed", zap.String("channel", p.channel), zap.Error(err))
		}
	}
}

// Close drains queued events and closes the Redis client. Later publishes
// fail with ErrClosed.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	return p.client.Close()
}
