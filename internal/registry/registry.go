package registry

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrTopicRequired = errors.New("topic id is required")
	ErrConnRequired  = errors.New("connection id is required")
	ErrTopicLimit    = errors.New("connection topic limit reached")
)

// TopicRegistry tracks which live connections are subscribed to which
// rendezvous topics.
type TopicRegistry interface {
	// Subscribe adds connID to topic. Re-subscribing is a no-op.
	Subscribe(connID, topic string) error
	// Unsubscribe removes connID from topic and reports whether it was present.
	Unsubscribe(connID, topic string) bool
	// Subscribers lists the connections subscribed to topic.
	Subscribers(topic string) []string
	// TopicsOf lists the topics connID is subscribed to.
	TopicsOf(connID string) []string
	// Drop removes every subscription held by connID.
	Drop(connID string) []string
	// Len reports the number of topics with at least one subscriber.
	Len() int
}

// InMemoryRegistry keeps subscriptions in two mirrored maps.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{}
	conns  map[string]map[string]struct{}
	limit  int
}

// NewInMemory creates a registry with an optional per-connection topic
// limit; zero means unbounded.
func NewInMemory(limit int) *InMemoryRegistry {
	return &InMemoryRegistry{
		topics: make(map[string]map[string]struct{}),
		conns:  make(map[string]map[string]struct{}),
		limit:  limit,
	}
}

func (r *InMemoryRegistry) Subscribe(connID, topic string) error {
	if connID == "" {
		return ErrConnRequired
	}
	if topic == "" {
		return ErrTopicRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.conns[connID]
	if _, ok := held[topic]; ok {
		return nil
	}
	if r.limit > 0 && len(held) >= r.limit {
		return ErrTopicLimit
	}
	if held == nil {
		held = make(map[string]struct{})
		r.conns[connID] = held
	}
	held[topic] = struct{}{}

	subs := r.topics[topic]
	if subs == nil {
		subs = make(map[string]struct{})
		r.topics[topic] = subs
	}
	subs[connID] = struct{}{}
	return nil
}

func (r *InMemoryRegistry) Unsubscribe(connID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(connID, topic)
}

func (r *InMemoryRegistry) unsubscribeLocked(connID, topic string) bool {
	held, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, ok := held[topic]; !ok {
		return false
	}
	delete(held, topic)
	if len(held) == 0 {
		delete(r.conns, connID)
	}
	if subs, ok := r.topics[topic]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	return true
}

func (r *InMemoryRegistry) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.topics[topic])
}

func (r *InMemoryRegistry) TopicsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.conns[connID])
}

func (r *InMemoryRegistry) Drop(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := sortedKeys(r.conns[connID])
	for _, topic := range topics {
		r.unsubscribeLocked(connID, topic)
	}
	return topics
}

func (r *InMemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
