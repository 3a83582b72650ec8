package broker

import (
	"log/slog"
	"sync"
)

// Factory builds a broker client for a user token.
type Factory func(token string) Client

// cachedClient pairs a client with the token it was built from, so a token
// change invalidates the entry.
type cachedClient struct {
	token  string
	client Client
}

// ClientCache hands out one broker client per user. It replaces the
// source system's ambient module-level cache: an explicit handle with
// create-or-get and explicit invalidation, passed to whichever component
// needs a connection.
type ClientCache struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[int64]*cachedClient
}

// NewClientCache creates a ClientCache around the given factory.
func NewClientCache(factory Factory, logger *slog.Logger) *ClientCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientCache{
		factory: factory,
		logger:  logger,
		entries: make(map[int64]*cachedClient),
	}
}

// CreateOrGet returns the cached client for a user, building a fresh one
// if none exists or the token has changed since it was built.
func (c *ClientCache) CreateOrGet(userID int64, token string) Client {
	c.mu.RLock()
	if e, ok := c.entries[userID]; ok && e.token == token {
		c.mu.RUnlock()
		return e.client
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok && e.token == token {
		return e.client
	}
	client := c.factory(token)
	c.entries[userID] = &cachedClient{token: token, client: client}
	c.logger.Debug("Created broker client", "user_id", userID)
	return client
}

// Invalidate drops the cached client for a user. Call on token change.
func (c *ClientCache) Invalidate(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[userID]; !ok {
		return false
	}
	delete(c.entries, userID)
	c.logger.Info("Invalidated broker client", "user_id", userID)
	return true
}
