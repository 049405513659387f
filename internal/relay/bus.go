package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannelPrefix namespaces per-session bus channels.
const DefaultChannelPrefix = "boardrelay:session:"

var errMissingRedisClient = errors.New("relay: redis client is required")

// Envelope is one relay message exchanged between replicas.
type Envelope struct {
	Origin    string `json:"origin"`
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
}

// RedisBusConfig describes the Redis pub/sub bus.
type RedisBusConfig struct {
	Client        *redis.Client
	ChannelPrefix string
	InstanceID    string
	Logger        *zap.Logger
}

// RedisBus publishes session traffic on one Redis channel per session and
// replays traffic from other instances. Delivery is at-most-once.
type RedisBus struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     *zap.Logger
}

// NewRedisBus validates the configuration and returns a RedisBus.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client:     cfg.Client,
		prefix:     prefix,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// InstanceID identifies this replica in published envelopes.
func (b *RedisBus) InstanceID() string {
	return b.instanceID
}

// SessionChannel returns the Redis channel of a session.
func (b *RedisBus) SessionChannel(sessionID string) string {
	return b.prefix + sessionID
}

// Publish stamps the envelope with this instance and sends it to the session channel.
func (b *RedisBus) Publish(ctx context.Context, envelope Envelope) error {
	envelope.Origin = b.instanceID
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.SessionChannel(envelope.SessionID), encoded).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Subscription stops a running bus subscription.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close cancels the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe listens on every session channel and hands envelopes from other instances to handle.
// It returns once Redis has confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, handle func(Envelope)) (*Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s*: %w", b.prefix, err)
	}

	subscriptionContext, cancel := context.WithCancel(ctx)
	subscription := &Subscription{cancel: cancel, done: make(chan struct{})}
	messages := pubsub.Channel()

	go func() {
		defer close(subscription.done)
		defer pubsub.Close()
		for {
			select {
			case <-subscriptionContext.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
					b.logger.Warn("relay bus message undecodable",
						zap.String("channel", message.Channel),
						zap.Error(err))
					continue
				}
				if envelope.Origin == b.instanceID {
					continue
				}
				if expected := b.SessionChannel(envelope.SessionID); expected != message.Channel {
					b.logger.Warn("relay bus session mismatch",
						zap.String("channel", message.Channel),
						zap.String("session_id", envelope.SessionID))
					continue
				}
				handle(envelope)
			}
		}
	}()
	return subscription, nil
}
