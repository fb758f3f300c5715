package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memRecord struct {
	data      []byte
	createdAt time.Time
}

// Memory keeps shards in process memory. Everything is lost on restart.
type Memory struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	topics map[string]map[string]memRecord
	sweep  *sweepLoop
	closed bool
}

func NewMemory(cfg Config, log *zap.Logger, metrics *Metrics) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{
		cfg:     cfg.withDefaults(),
		log:     log.Named("store.memory"),
		metrics: metrics,
		topics:  make(map[string]map[string]memRecord),
	}
}

// Init starts the reaper.
func (m *Memory) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.sweep == nil {
		m.sweep = startSweepLoop(m.cfg.SweepInterval, m.cfg.Now, m.Sweep, m.log)
	}
	m.log.Info("memory store ready", zap.Duration("ttl", m.cfg.TTL))
	return nil
}

func (m *Memory) Save(_ context.Context, topicID, shardID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	shards, ok := m.topics[topicID]
	if !ok {
		shards = make(map[string]memRecord)
		m.topics[topicID] = shards
	}
	if _, exists := shards[shardID]; exists {
		return ErrShardExists
	}
	shards[shardID] = memRecord{
		data:      append([]byte(nil), data...),
		createdAt: m.cfg.Now(),
	}
	m.metrics.recordSaved(ModeMemory)
	return nil
}

func (m *Memory) Get(_ context.Context, topicID string) ([]Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cutoff := m.cfg.Now().Add(-m.cfg.TTL)
	shards := m.topics[topicID]
	out := make([]Shard, 0, len(shards))
	for id, rec := range shards {
		if rec.createdAt.Before(cutoff) {
			continue
		}
		out = append(out, Shard{
			ID:        id,
			TopicID:   topicID,
			Data:      append([]byte(nil), rec.data...),
			CreatedAt: rec.createdAt,
		})
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, topicID, shardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	shards, ok := m.topics[topicID]
	if !ok {
		return nil
	}
	if _, ok := shards[shardID]; !ok {
		return nil
	}
	delete(shards, shardID)
	if len(shards) == 0 {
		delete(m.topics, topicID)
	}
	m.metrics.recordDeleted(ModeMemory)
	return nil
}

// Sweep removes shards older than the TTL and reports how many were dropped.
func (m *Memory) Sweep(now time.Time) (int, error) {
	cutoff := now.Add(-m.cfg.TTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for topic, shards := range m.topics {
		for id, rec := range shards {
			if rec.createdAt.Before(cutoff) {
				delete(shards, id)
				removed++
			}
		}
		if len(shards) == 0 {
			delete(m.topics, topic)
		}
	}
	m.metrics.recordExpired(ModeMemory, removed)
	return removed, nil
}

// Len reports the number of stored shards, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, shards := range m.topics {
		n += len(shards)
	}
	return n
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	loop := m.sweep
	m.topics = make(map[string]map[string]memRecord)
	m.mu.Unlock()

	loop.Stop()
	return nil
}
