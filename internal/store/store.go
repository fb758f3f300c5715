// Package store holds encrypted shards for the relay until they are
// acknowledged or their retention window lapses.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Shard is one opaque payload deposited under a rendezvous topic.
type Shard struct {
	ID        string
	TopicID   string
	Data      []byte
	CreatedAt time.Time
}

// Store is the persistence contract shared by every backend.
type Store interface {
	// Init prepares the backend. A failure here is fatal for the relay.
	Init(ctx context.Context) error
	// Save persists a shard. Existing (topic, shard) pairs are never overwritten.
	Save(ctx context.Context, topicID, shardID string, data []byte) error
	// Get returns every live shard for the topic in unspecified order.
	Get(ctx context.Context, topicID string) ([]Shard, error)
	// Delete removes a shard. Deleting an absent shard is not an error.
	Delete(ctx context.Context, topicID, shardID string) error
	Close() error
}

// Sweeper is implemented by backends that expire shards on demand.
type Sweeper interface {
	Sweep(now time.Time) (int, error)
}

var (
	ErrShardExists = errors.New("shard already exists")
	ErrUnknownMode = errors.New("unknown storage mode")
	ErrClosed      = errors.New("store closed")
	ErrNotReady    = errors.New("store not initialised")
)

const (
	ModeMemory  = "memory"
	ModeBolt    = "bolt"
	ModeLevelDB = "leveldb"

	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = time.Minute
)

// Config selects and tunes a backend.
type Config struct {
	Mode          string
	Path          string
	TTL           time.Duration
	SweepInterval time.Duration
	// RebuildExpiry recomputes stored expirations when the TTL changed
	// since the durable store was created.
	RebuildExpiry bool
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// NormalizeMode maps configured mode names, including legacy aliases, to a backend.
func NormalizeMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeMemory, "ram":
		return ModeMemory, nil
	case ModeBolt, "db":
		return ModeBolt, nil
	case ModeLevelDB:
		return ModeLevelDB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Open builds the backend named by cfg.Mode. Init must still be called.
func Open(cfg Config, log *zap.Logger, metrics *Metrics) (Store, error) {
	mode, err := NormalizeMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	switch mode {
	case ModeMemory:
		return NewMemory(cfg, log, metrics), nil
	case ModeBolt:
		if cfg.Path == "" {
			return nil, errors.New("bolt storage requires a path")
		}
		return NewBolt(cfg, log, metrics), nil
	default:
		if cfg.Path == "" {
			return nil, errors.New("leveldb storage requires a path")
		}
		return NewLevelDB(cfg, log, metrics), nil
	}
}

// sweepLoop drives a backend's Sweep on a fixed interval until stop closes.
type sweepLoop struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func startSweepLoop(interval time.Duration, now func() time.Time, sweep func(time.Time) (int, error), log *zap.Logger) *sweepLoop {
	l := &sweepLoop{stop: make(chan struct{})}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				n, err := sweep(now())
				if err != nil {
					log.Warn("expiry sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					log.Debug("expired shards incinerated", zap.Int("count", n))
				}
			}
		}
	}()
	return l
}

func (l *sweepLoop) Stop() {
	if l == nil {
		return
	}
	l.once.Do(func() { close(l.stop) })
	l.wg.Wait()
}
