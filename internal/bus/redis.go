package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ilpmesh/connector/internal/telemetry"
)

// DefaultChannel is the Redis pub/sub channel for telemetry mirroring.
const DefaultChannel = "ilp:telemetry"

// Mirror republishes local bus events to Redis and injects events published
// by other connector processes into the local bus. A single connector does
// not need it; a fleet sharing one explorer does.
type Mirror struct {
	nodeID  string
	channel string
	client  redis.UniversalClient
	local   *Bus
	log     *slog.Logger

	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMirror wires the local bus to a Redis channel and starts both
// directions of the mirror.
func NewMirror(client redis.UniversalClient, local *Bus, nodeID, channel string, log *slog.Logger) *Mirror {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		nodeID:  nodeID,
		channel: channel,
		client:  client,
		local:   local,
		log:     log,
		cancel:  cancel,
	}

	// Outbound: local events from this node go to Redis. Remote-origin
	// events are skipped so a mirrored event never loops.
	m.unsub = local.Subscribe(func(ev *telemetry.Event) {
		if ev.NodeID != nodeID {
			return
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			m.log.Warn("telemetry mirror marshal failed", "type", ev.Type, "error", err)
			return
		}
		if err := client.Publish(ctx, channel, payload).Err(); err != nil {
			m.log.Warn("telemetry mirror publish failed", "error", err)
		}
	})

	// Inbound: remote events surface on the local bus.
	pubsub := client.Subscribe(ctx, channel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for msg := range pubsub.Channel() {
			var ev telemetry.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				m.log.Warn("telemetry mirror received bad payload", "error", err)
				continue
			}
			if ev.NodeID == nodeID {
				continue
			}
			local.Emit(&ev)
		}
	}()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-ctx.Done()
		_ = pubsub.Close()
	}()

	return m
}

// Close stops both directions of the mirror.
func (m *Mirror) Close() {
	m.once.Do(func() {
		m.unsub()
		m.cancel()
		m.wg.Wait()
	})
}
