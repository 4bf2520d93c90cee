package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	redisclient "github.com/nexfleet/linkd/internal/redis"
	"github.com/nexfleet/linkd/internal/wire"
)

// Dispatcher encodes an event once and routes it to every connection bound
// to a registry key. With a relay client, frames travel through Redis
// pub/sub so all nodes see them; without one, delivery is local.
type Dispatcher struct {
	registry *Registry
	relay    *redisclient.Client
}

func NewDispatcher(registry *Registry, relay *redisclient.Client) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		relay:    relay,
	}
}

// Send delivers one event to key's connections. If nothing is bound the
// frame is dropped; the poll path is the durable protocol.
func (d *Dispatcher) Send(ctx context.Context, key string, t wire.Type, fields []string) error {
	frame, err := wire.Encode(t, fields)
	if err != nil {
		return err
	}

	if d.relay != nil {
		return d.relay.Publish(ctx, redisclient.NotifyChannel(key), frame).Err()
	}

	if d.registry.ClientCount(key) == 0 {
		log.Debug().
			Str("key", key).
			Str("type", t.String()).
			Msg("no connections bound, dropping event")
		return nil
	}

	d.registry.Broadcast(key, frame)
	return nil
}
