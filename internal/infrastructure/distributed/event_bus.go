package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"peercall/internal/core/ports"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/clock"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "peercall:relay:"

// RelayChannel is the pub/sub channel an instance receives envelopes on.
func RelayChannel(instanceID string) string {
	return channelPrefix + instanceID
}

// EventBus forwards envelopes to the relay instance that owns the target
// channel. Publishing goes through a circuit breaker so a failing Redis
// doesn't stall every sender.
type EventBus struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, logger *zap.SugaredLogger) *EventBus {
	eb := &EventBus{
		client:  client,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig(), clock.Real()),
		logger:  logger,
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("relay bus circuit changed", "from", from.String(), "to", to.String())
	})
	return eb
}

var _ ports.Bus = (*EventBus)(nil)

// Publish sends env to instanceID.
func (eb *EventBus) Publish(ctx context.Context, instanceID string, env ports.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = eb.breaker.Execute(ctx, func() error {
		return eb.client.Publish(ctx, RelayChannel(instanceID), data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	eb.logger.Debugw("published envelope",
		"instance_id", instanceID,
		"type", env.Message.Type,
		"target_channel", env.TargetChannel,
	)
	return nil
}

// Subscribe delivers envelopes addressed to instanceID until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, instanceID string, deliver func(ports.Envelope)) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, RelayChannel(instanceID))
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal envelope",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			deliver(env)
		}
	}
}

func decodeEnvelope(payload string) (ports.Envelope, error) {
	var env ports.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, err
	}
	if env.TargetChannel == "" {
		return env, fmt.Errorf("envelope without target channel")
	}
	return env, nil
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
