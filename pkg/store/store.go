// Package store persists the list of topics the gateway subscribes to at
// startup, independent of any connected client.
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrInvalidTopic  = errors.New("invalid topic")
)

// TopicStore is the persisted subscribed-topic list.
type TopicStore interface {
	// ListAll returns every stored topic, oldest first.
	ListAll(ctx context.Context) ([]string, error)
	// Add stores topic. Adding an existing topic is not an error.
	Add(ctx context.Context, topic string) error
	// Remove deletes topic or returns ErrTopicNotFound.
	Remove(ctx context.Context, topic string) error
	Close()
}

type ChangeOp string

const (
	ChangeAdded   ChangeOp = "add"
	ChangeRemoved ChangeOp = "remove"
)

// Change is one modification of the topic list.
type Change struct {
	Op    ChangeOp `json:"op"`
	Topic string   `json:"topic"`
}

// Watcher is implemented by stores shared between processes. Watch calls fn
// for every change, including changes made by this process, until ctx is
// canceled.
type Watcher interface {
	Watch(ctx context.Context, fn func(Change)) error
}

// NormalizeTopic trims surrounding whitespace and rejects empty topics.
func NormalizeTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", ErrInvalidTopic
	}
	return topic, nil
}
