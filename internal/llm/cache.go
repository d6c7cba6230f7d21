package llm

import "sync"

// Cache memoizes one Client per model name. Every websocket session resolves
// agent clients through the same Cache from its own goroutines, so lookups
// and inserts are guarded by a mutex.
type Cache struct {
	mu      sync.Mutex
	factory func(model string) (Client, error)
	clients map[string]Client
}

// NewCache returns a Cache that builds missing clients with factory.
func NewCache(factory func(model string) (Client, error)) *Cache {
	return &Cache{
		factory: factory,
		clients: map[string]Client{},
	}
}

// For returns the client for model, building and caching it on first use.
// Construction errors are returned without being cached, so a later call
// retries the factory.
func (c *Cache) For(model string) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[model]; ok {
		return client, nil
	}
	client, err := c.factory(model)
	if err != nil {
		return nil, err
	}
	c.clients[model] = client
	return client, nil
}
