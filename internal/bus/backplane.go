package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const backplaneChannel = "taskforge:events"

// Backplane relays published events through a Redis channel so every
// instance delivers them to its own connected clients.
type Backplane struct {
	client     *redis.Client
	instanceID string
}

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

func NewBackplane(redisURL string) (*Backplane, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Backplane{
		client:     client,
		instanceID: uuid.NewString(),
	}, nil
}

func (bp *Backplane) publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(envelope{Origin: bp.instanceID, Event: e})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := bp.client.Publish(ctx, backplaneChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish to backplane: %w", err)
	}
	return nil
}

// run subscribes and hands remote events to deliver. Events this instance
// published itself are skipped: they were already delivered locally.
func (bp *Backplane) run(ctx context.Context, deliver func(Event)) {
	sub := bp.client.Subscribe(ctx, backplaneChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("bus: decode backplane message: %v", err)
				continue
			}
			if env.Origin == bp.instanceID {
				continue
			}
			deliver(env.Event)
		}
	}
}

func (bp *Backplane) Close() error {
	return bp.client.Close()
}
