// Package pubsub carries "counter changed" hints between writers and the broadcaster.
// Messages are hints only: receivers re-read the counter store.
package pubsub

import (
	"context"
	"encoding/json"
	"strings"
)

type Publisher interface {
	// Publish topic to message broker with payload.
	Publish(ctx context.Context, topic string, payload []byte) error
}

type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// CounterChanged is the payload published after every committed mutation.
type CounterChanged struct {
	Slug   string `json:"slug"`
	Issued int64  `json:"issued"`
	Called int64  `json:"called"`
	Epoch  int64  `json:"epoch"`
}

func (c CounterChanged) Marshal() []byte {
	b, _ := json.Marshal(c)
	return b
}

func ParseCounterChanged(payload []byte) (CounterChanged, error) {
	var c CounterChanged
	err := json.Unmarshal(payload, &c)
	return c, err
}

// topicToken rewrites the characters that are structural in a subject so a
// slug always stays a single token. Receivers take the slug from the payload.
var topicToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// CounterTopic is the subject a counter's changes are published on.
func CounterTopic(prefix, slug string) string {
	return prefix + "." + topicToken.Replace(slug)
}

// AllCountersTopic matches every CounterTopic with the same prefix.
func AllCountersTopic(prefix string) string {
	return prefix + ".*"
}

// matchTopic implements NATS-style matching where "*" stands for exactly one token.
func matchTopic(pattern, topic string) bool {
	p := strings.Split(pattern, ".")
	t := strings.Split(topic, ".")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != t[i] {
			return false
		}
	}
	return true
}
