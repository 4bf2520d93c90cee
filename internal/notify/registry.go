package notify

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/nexfleet/linkd/internal/redis"
)

const connBufferSize = 100

// AccountKey is the registry key for a primary user's connections.
func AccountKey(accountID string) string {
	return "acct:" + accountID
}

// DeviceKey is the registry key for a secondary client waiting on a pairing
// result, derived from its hashed poll token.
func DeviceKey(tokenHash string) string {
	return "device:" + tokenHash
}

// Conn is one live persistent connection. Frames carries encoded frames in
// issuance order; the owning handler drains it and writes to the socket.
// The registry tracks connections but never owns socket lifetime.
type Conn struct {
	Key    string
	Frames chan []byte
	Done   chan struct{}
}

// Registry maps registry keys to their live connections. When a relay client
// is provided, the first bind for a key subscribes to its pub/sub channel so
// frames published on other nodes reach local connections too.
type Registry struct {
	relay  *redisclient.Client
	conns  map[string]map[*Conn]bool
	subs   map[string]*redis.PubSub
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRegistry(relay *redisclient.Client) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		relay:  relay,
		conns:  make(map[string]map[*Conn]bool),
		subs:   make(map[string]*redis.PubSub),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Registry) Bind(key string) *Conn {
	conn := &Conn{
		Key:    key,
		Frames: make(chan []byte, connBufferSize),
		Done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.conns[key] == nil {
		r.conns[key] = make(map[*Conn]bool)
		if r.relay != nil {
			sub := r.relay.Subscribe(r.ctx, redisclient.NotifyChannel(key))
			r.subs[key] = sub
			go r.relayLoop(key, sub)
		}
	}
	r.conns[key][conn] = true
	count := len(r.conns[key])
	r.mu.Unlock()

	log.Info().
		Str("key", key).
		Int("connCount", count).
		Msg("connection bound")

	return conn
}

// Unbind removes a connection and closes its Done channel. Calling it for a
// connection that is already unbound is a no-op.
func (r *Registry) Unbind(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.conns[conn.Key]
	if !ok || !conns[conn] {
		return
	}

	delete(conns, conn)
	close(conn.Done)

	if len(conns) == 0 {
		delete(r.conns, conn.Key)
		if sub, ok := r.subs[conn.Key]; ok {
			sub.Close()
			delete(r.subs, conn.Key)
		}
	}

	log.Info().
		Str("key", conn.Key).
		Int("connCount", len(conns)).
		Msg("connection unbound")
}

// Lookup returns the live connections currently bound to key.
func (r *Registry) Lookup(key string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns[key]))
	for conn := range r.conns[key] {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast fans an encoded frame out to every connection bound to key.
// A connection whose buffer is full drops the frame; this channel is a
// best-effort real-time hint, never the durable path. The conn set is
// copied under the read lock so concurrent binds never race the fan-out.
func (r *Registry) Broadcast(key string, frame []byte) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns[key]))
	for conn := range r.conns[key] {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		select {
		case conn.Frames <- frame:
		default:
			log.Warn().
				Str("key", key).
				Msg("connection frame buffer full, dropping frame")
		}
	}
}

func (r *Registry) relayLoop(key string, sub *redis.PubSub) {
	ch := sub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.Broadcast(key, []byte(msg.Payload))
		}
	}
}

func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		sub.Close()
	}
	r.subs = make(map[string]*redis.PubSub)

	for _, conns := range r.conns {
		for conn := range conns {
			close(conn.Done)
		}
	}
	r.conns = make(map[string]map[*Conn]bool)
}

func (r *Registry) ClientCount(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[key])
}

func (r *Registry) TotalClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, conns := range r.conns {
		total += len(conns)
	}
	return total
}
