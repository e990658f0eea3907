package stream

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Hub fans race-progress snapshots out to subscribed clients. This is the
// explicit subscription surface for progress state: the synchronizer
// broadcasts after every confirmed sync and interested clients either
// subscribe here or poll the HTTP endpoints. Redis pub/sub bridges
// instances so a subscriber on one node sees syncs from another.
type Hub struct {
	redis   *redis.Client
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	UserID string
	Send   chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(userID string) *Client {
	client := &Client{
		UserID: userID,
		Send:   make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = map[*Client]struct{}{}
	}
	h.clients[userID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if userClients, ok := h.clients[client.UserID]; ok {
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.clients, client.UserID)
		}
	}
	close(client.Send)
}

// Broadcast delivers a progress payload to local subscribers and publishes
// it for remote ones. Slow clients are skipped, never blocked on.
func (h *Hub) Broadcast(userID string, payload []byte) {
	h.deliver(userID, payload)

	if h.redis != nil {
		err := h.redis.Publish(context.Background(), progressChannel(userID), payload).Err()
		if err != nil {
			log.Printf("stream: redis publish error: %v", err)
		}
	}
}

func (h *Hub) deliver(userID string, payload []byte) {
	h.mu.RLock()
	clients := h.clients[userID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "progress:*:updates")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		if userID := userIDFromChannel(msg.Channel); userID != "" {
			h.deliver(userID, []byte(msg.Payload))
		}
	}
}

func progressChannel(userID string) string {
	return "progress:" + userID + ":updates"
}

func userIDFromChannel(ch string) string {
	// progress:{user}:updates
	const prefix = "progress:"
	const suffix = ":updates"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
