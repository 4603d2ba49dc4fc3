package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Local delivers messages to subscribers in the same process, synchronously.
type Local struct {
	mu   sync.RWMutex
	subs map[string]localSub
}

type localSub struct {
	pattern string
	handler func(payload []byte) error
}

var _ PubSub = &Local{}

func NewLocal() *Local {
	return &Local{subs: make(map[string]localSub)}
}

func (l *Local) Publish(_ context.Context, topic string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, sub := range l.subs {
		if !matchTopic(sub.pattern, topic) {
			continue
		}
		if err := sub.handler(payload); err != nil {
			log.Err(err).Str("topic", topic).Msg("error handling message")
		}
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	id := uuid.NewString()
	l.mu.Lock()
	l.subs[id] = localSub{pattern: topic, handler: handler}
	l.mu.Unlock()
	return &localSubscription{owner: l, id: id}, nil
}

type localSubscription struct {
	owner *Local
	id    string
}

func (s *localSubscription) Unsubscribe() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	delete(s.owner.subs, s.id)
	return nil
}
