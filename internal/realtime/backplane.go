package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBackplaneChannel   = "collabnotes:rooms"
	defaultBackplaneQueueSize = 256
	backplanePingTimeout      = 5 * time.Second
)

var (
	errMissingRedisTarget = errors.New("realtime: redis url or client is required")
	errBackplaneClosed    = errors.New("realtime: backplane subscription closed")
)

// RoomFrame is a room broadcast relayed between processes.
type RoomFrame struct {
	Origin   string          `json:"origin"`
	NoteID   string          `json:"noteId"`
	Frame    json.RawMessage `json:"frame"`
	Reliable bool            `json:"reliable"`
}

// Backplane relays room broadcasts between Hubs running in different processes.
type Backplane interface {
	// Publish hands a frame to the backplane without blocking.
	Publish(frame RoomFrame)
	// Run relays frames until ctx is cancelled, passing frames from other nodes to deliver.
	Run(ctx context.Context, deliver func(RoomFrame)) error
}

// RedisBackplaneConfig configures a RedisBackplane. Either URL or Client is required.
type RedisBackplaneConfig struct {
	URL       string
	Client    *redis.Client
	Channel   string
	QueueSize int
	Logger    *zap.Logger
}

// RedisBackplane implements Backplane over a single Redis pub/sub channel.
type RedisBackplane struct {
	client   *redis.Client
	channel  string
	outbound chan RoomFrame
	ready    chan struct{}
	logger   *zap.Logger
}

// NewRedisBackplane connects to Redis and verifies the connection.
func NewRedisBackplane(cfg RedisBackplaneConfig) (*RedisBackplane, error) {
	client := cfg.Client
	if client == nil {
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errMissingRedisTarget
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), backplanePingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultBackplaneChannel
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultBackplaneQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisBackplane{
		client:   client,
		channel:  channel,
		outbound: make(chan RoomFrame, queueSize),
		ready:    make(chan struct{}),
		logger:   logger.With(zap.String("component", "redis_backplane"), zap.String("channel", channel)),
	}, nil
}

// Ready is closed once the subscription is confirmed.
func (b *RedisBackplane) Ready() <-chan struct{} {
	return b.ready
}

// Publish queues frame for publication and drops it when the queue is full.
func (b *RedisBackplane) Publish(frame RoomFrame) {
	select {
	case b.outbound <- frame:
	default:
		b.logger.Warn("backplane queue full, dropping frame", zap.String("note_id", frame.NoteID))
	}
}

// Run subscribes to the channel and pumps frames in both directions.
func (b *RedisBackplane) Run(ctx context.Context, deliver func(RoomFrame)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	b.logger.Info("backplane subscribed")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			select {
			case frame := <-b.outbound:
				payload, err := json.Marshal(frame)
				if err != nil {
					b.logger.Error("encode room frame failed", zap.Error(err))
					continue
				}
				if err := b.client.Publish(groupCtx, b.channel, payload).Err(); err != nil && groupCtx.Err() == nil {
					b.logger.Warn("publish room frame failed", zap.String("note_id", frame.NoteID), zap.Error(err))
				}
			case <-groupCtx.Done():
				return nil
			}
		}
	})
	group.Go(func() error {
		messages := pubsub.Channel()
		for {
			select {
			case message, ok := <-messages:
				if !ok {
					if groupCtx.Err() != nil {
						return nil
					}
					return errBackplaneClosed
				}
				var frame RoomFrame
				if err := json.Unmarshal([]byte(message.Payload), &frame); err != nil {
					b.logger.Warn("discarding malformed room frame", zap.Error(err))
					continue
				}
				deliver(frame)
			case <-groupCtx.Done():
				return nil
			}
		}
	})
	return group.Wait()
}

// Close releases the Redis client.
func (b *RedisBackplane) Close() error {
	return b.client.Close()
}
