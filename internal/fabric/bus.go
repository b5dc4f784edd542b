package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"stockduel/internal/metrics"
)

// relayTopic is the single shared Redis channel every instance subscribes to.
const relayTopic = "stockduel.relay"

// breakerCooldown is how long the relay leg stays open after a publish
// failure before the next attempt.
const breakerCooldown = 5 * time.Second

// Local is the in-process delivery leg: the WebSocket hub implements it.
type Local interface {
	Deliver(dest string, payload []byte)
}

// envelope is the wire frame carried over the relay.
type envelope struct {
	Source  string          `json:"src"`
	Dest    string          `json:"dest"`
	Payload json.RawMessage `json:"payload"`
	MAC     string          `json:"mac"`
}

// Bus is the broadcast fabric: events are delivered to local subscribers
// immediately and republished on a shared relay topic so subscribers on
// other instances receive them too. Each instance suppresses frames it
// originated.
type Bus struct {
	instanceID string
	key        []byte
	local      Local
	rdb        *redis.Client
	log        zerolog.Logger

	mu          sync.Mutex
	openedUntil time.Time // circuit breaker for the relay leg
}

// NewBus creates a Bus. rdb may be nil in tests; the relay leg is then
// skipped entirely and only local delivery happens.
func NewBus(instanceID string, key []byte, local Local, rdb *redis.Client, log zerolog.Logger) *Bus {
	return &Bus{
		instanceID: instanceID,
		key:        key,
		local:      local,
		rdb:        rdb,
		log:        log.With().Str("component", "fabric").Logger(),
	}
}

// Publish delivers v to every subscriber of dest, on this instance and on
// every other instance attached to the relay. Local delivery never blocks
// on, or fails with, the relay.
func (b *Bus) Publish(ctx context.Context, dest string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Error().Err(err).Str("dest", dest).Msg("marshal event")
		return
	}

	b.local.Deliver(dest, payload)
	b.relay(ctx, dest, payload)
}

func (b *Bus) relay(ctx context.Context, dest string, payload []byte) {
	if b.rdb == nil {
		return
	}

	b.mu.Lock()
	open := time.Now().Before(b.openedUntil)
	b.mu.Unlock()
	if open {
		metrics.RelayDropped.Inc()
		return
	}

	frame, err := json.Marshal(envelope{
		Source:  b.instanceID,
		Dest:    dest,
		Payload: payload,
		MAC:     seal(b.key, b.instanceID, dest, payload),
	})
	if err != nil {
		b.log.Error().Err(err).Msg("marshal relay frame")
		return
	}

	if err := b.rdb.Publish(ctx, relayTopic, frame).Err(); err != nil {
		// Cross-instance delivery is dropped and counted; local subscribers
		// were already served.
		metrics.RelayDropped.Inc()
		b.mu.Lock()
		b.openedUntil = time.Now().Add(breakerCooldown)
		b.mu.Unlock()
		b.log.Warn().Err(err).Msg("relay publish failed; breaker open")
		return
	}
	metrics.RelayPublished.Inc()
}

// Run subscribes to the relay topic and re-delivers remote frames locally.
// Blocks until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	if b.rdb == nil {
		<-ctx.Done()
		return
	}

	pubsub := b.rdb.Subscribe(ctx, relayTopic)
	defer pubsub.Close()

	b.log.Info().Str("topic", relayTopic).Msg("relay subscriber started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleFrame([]byte(msg.Payload))
		}
	}
}

// handleFrame validates and locally re-delivers one relay frame.
func (b *Bus) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn().Err(err).Msg("malformed relay frame")
		return
	}
	if env.Source == b.instanceID {
		return // source-id deduplication
	}
	if !verify(b.key, env.Source, env.Dest, env.Payload, env.MAC) {
		metrics.RelayBadMAC.Inc()
		b.log.Warn().Str("src", env.Source).Str("dest", env.Dest).Msg("relay frame failed MAC check")
		return
	}

	metrics.RelayReceived.Inc()
	b.local.Deliver(env.Dest, env.Payload)
}
