package tasks

import (
	"encoding/json"
	"sync"
)

// EntityCache holds the latest entity snapshot returned by a successful apply,
// keyed by entity id.
type EntityCache struct {
	mu       sync.RWMutex
	entities map[string]json.RawMessage
}

func NewEntityCache() *EntityCache {
	return &EntityCache{entities: make(map[string]json.RawMessage)}
}

func (c *EntityCache) Put(entityID string, snapshot json.RawMessage) {
	if entityID == "" || len(snapshot) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[entityID] = append(json.RawMessage(nil), snapshot...)
}

func (c *EntityCache) Get(entityID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.entities[entityID]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), snap...), true
}

func (c *EntityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = make(map[string]json.RawMessage)
}

func (c *EntityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}
