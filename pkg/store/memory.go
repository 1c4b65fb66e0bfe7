package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a TopicStore kept in process memory. It is used when no
// database is configured and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	topics []string
	index  map[string]struct{}
}

// NewMemoryStore returns a store holding the given topics in order.
// Empty and duplicate topics are skipped.
func NewMemoryStore(topics ...string) *MemoryStore {
	s := &MemoryStore{index: make(map[string]struct{})}
	for _, t := range topics {
		_ = s.Add(context.Background(), t)
	}
	return s
}

func (s *MemoryStore) ListAll(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out, nil
}

func (s *MemoryStore) Add(_ context.Context, topic string) error {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[topic]; ok {
		return nil
	}
	s.index[topic] = struct{}{}
	s.topics = append(s.topics, topic)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, topic string) error {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[topic]; !ok {
		return fmt.Errorf("remove %q: %w", topic, ErrTopicNotFound)
	}
	delete(s.index, topic)
	for i, t := range s.topics {
		if t == topic {
			s.topics = append(s.topics[:i], s.topics[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() {}
