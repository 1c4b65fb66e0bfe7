// Package cache holds the latest message received on each subscribed topic.
//
// The cache is a live-value view, not a queue: a Put overwrites whatever was
// stored for the topic before it, so readers polling slower than the broker
// publishes observe only the most recent payload.
package cache

import (
	"sort"
	"sync"
	"time"
)

// Message is the most recent payload received for a topic.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Age returns how long ago the message was received, relative to now.
func (m Message) Age(now time.Time) time.Duration {
	if m.ReceivedAt.IsZero() {
		return 0
	}
	return now.Sub(m.ReceivedAt)
}

// Cache maps a topic to its latest Message. It is safe for concurrent use.
// Only the ingest adapter writes to it; everything else reads.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Message
	now     func() time.Time
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]Message),
		now:     time.Now,
	}
}

// Put overwrites the entry for topic. The payload is copied so callers may
// reuse their buffer.
func (c *Cache) Put(topic string, payload []byte) {
	msg := Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: c.now(),
	}

	c.mu.Lock()
	c.entries[topic] = msg
	c.mu.Unlock()
}

// Get returns the current entry for topic, or false if nothing has ever been
// received on it.
func (c *Cache) Get(topic string) (Message, bool) {
	c.mu.RLock()
	msg, ok := c.entries[topic]
	c.mu.RUnlock()
	return msg, ok
}

// Len returns the number of cached topics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Topics returns the cached topic names in lexical order.
func (c *Cache) Topics() []string {
	c.mu.RLock()
	topics := make([]string, 0, len(c.entries))
	for topic := range c.entries {
		topics = append(topics, topic)
	}
	c.mu.RUnlock()

	sort.Strings(topics)
	return topics
}
