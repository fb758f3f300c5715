package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	boltShardsBucket = []byte("shards")
	boltExpiryBucket = []byte("expiry")
	boltMetaBucket   = []byte("meta")
	metaTTLKey       = []byte("ttl")
)

const boltOpenTimeout = 2 * time.Second

// Bolt persists shards in a bbolt file with a time-ordered expiry index.
type Bolt struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	mu    sync.RWMutex
	db    *bolt.DB
	sweep *sweepLoop
}

func NewBolt(cfg Config, log *zap.Logger, metrics *Metrics) *Bolt {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bolt{
		cfg:     cfg.withDefaults(),
		log:     log.Named("store.bolt"),
		metrics: metrics,
	}
}

func (b *Bolt) Init(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	if dir := filepath.Dir(b.cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := bolt.Open(b.cfg.Path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return fmt.Errorf("open bolt store %s: %w", b.cfg.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boltShardsBucket, boltExpiryBucket, boltMetaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return b.reconcileTTL(tx)
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("prepare bolt store: %w", err)
	}

	b.db = db
	b.sweep = startSweepLoop(b.cfg.SweepInterval, b.cfg.Now, b.Sweep, b.log)
	b.log.Info("bolt store ready", zap.String("path", b.cfg.Path), zap.Duration("ttl", b.cfg.TTL))
	return nil
}

// reconcileTTL compares the persisted TTL with the configured one.
func (b *Bolt) reconcileTTL(tx *bolt.Tx) error {
	meta := tx.Bucket(boltMetaBucket)
	prev, ok := decodeTTL(meta.Get(metaTTLKey))
	if ok && prev != b.cfg.TTL {
		if !b.cfg.RebuildExpiry {
			b.log.Warn("message ttl changed; existing shards keep their previous expiry",
				zap.Duration("previous_ttl", prev),
				zap.Duration("ttl", b.cfg.TTL))
		} else {
			n, err := b.rebuildExpiry(tx)
			if err != nil {
				return fmt.Errorf("rebuild expiry index: %w", err)
			}
			b.log.Info("expiry index rebuilt for new ttl",
				zap.Duration("previous_ttl", prev),
				zap.Duration("ttl", b.cfg.TTL),
				zap.Int("shards", n))
		}
	}
	return meta.Put(metaTTLKey, encodeTTL(b.cfg.TTL))
}

func (b *Bolt) rebuildExpiry(tx *bolt.Tx) (int, error) {
	if err := tx.DeleteBucket(boltExpiryBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return 0, err
	}
	expiry, err := tx.CreateBucket(boltExpiryBucket)
	if err != nil {
		return 0, err
	}
	shards := tx.Bucket(boltShardsBucket)

	type rewrite struct {
		key []byte
		rec record
	}
	var pending []rewrite
	err = shards.ForEach(func(k, v []byte) error {
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		rec.ExpiresAt = rec.CreatedAt + int64(b.cfg.TTL)
		pending = append(pending, rewrite{key: append([]byte(nil), k...), rec: rec})
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		raw, err := encodeRecord(p.rec)
		if err != nil {
			return 0, err
		}
		if err := shards.Put(p.key, raw); err != nil {
			return 0, err
		}
		if err := expiry.Put(expiryKey(p.rec.ExpiresAt, p.key), nil); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

func (b *Bolt) handle() (*bolt.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, ErrNotReady
	}
	return b.db, nil
}

func (b *Bolt) Save(_ context.Context, topicID, shardID string, data []byte) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	rec := newRecord(topicID, shardID, data, b.cfg.Now(), b.cfg.TTL)
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := shardKey(topicID, shardID)
	err = db.Update(func(tx *bolt.Tx) error {
		shards := tx.Bucket(boltShardsBucket)
		if shards.Get(key) != nil {
			return ErrShardExists
		}
		if err := shards.Put(key, raw); err != nil {
			return err
		}
		return tx.Bucket(boltExpiryBucket).Put(expiryKey(rec.ExpiresAt, key), nil)
	})
	if err != nil {
		if !errors.Is(err, ErrShardExists) {
			b.metrics.recordError(ModeBolt, "save")
		}
		return err
	}
	b.metrics.recordSaved(ModeBolt)
	return nil
}

func (b *Bolt) Get(_ context.Context, topicID string) ([]Shard, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	now := b.cfg.Now()
	prefix := topicPrefix(topicID)
	out := []Shard{}
	err = db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(boltShardsBucket).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if rec.TopicID != topicID || rec.expired(now) {
				continue
			}
			// Values are only valid for the life of the transaction.
			rec.Data = append([]byte(nil), rec.Data...)
			out = append(out, rec.shard())
		}
		return nil
	})
	if err != nil {
		b.metrics.recordError(ModeBolt, "get")
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Delete(_ context.Context, topicID, shardID string) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	key := shardKey(topicID, shardID)
	deleted := false
	err = db.Update(func(tx *bolt.Tx) error {
		shards := tx.Bucket(boltShardsBucket)
		raw := shards.Get(key)
		if raw == nil {
			return nil
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if err := shards.Delete(key); err != nil {
			return err
		}
		deleted = true
		return tx.Bucket(boltExpiryBucket).Delete(expiryKey(rec.ExpiresAt, key))
	})
	if err != nil {
		b.metrics.recordError(ModeBolt, "delete")
		return err
	}
	if deleted {
		b.metrics.recordDeleted(ModeBolt)
	}
	return nil
}

// Sweep deletes every shard whose expiration is at or before now.
func (b *Bolt) Sweep(now time.Time) (int, error) {
	db, err := b.handle()
	if err != nil {
		return 0, err
	}
	cutoff := now.UnixNano()
	removed := 0
	err = db.Update(func(tx *bolt.Tx) error {
		expiry := tx.Bucket(boltExpiryBucket)
		shards := tx.Bucket(boltShardsBucket)

		var due [][]byte
		cur := expiry.Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			stamp, _, ok := splitExpiryKey(k)
			if ok && stamp > cutoff {
				break
			}
			due = append(due, append([]byte(nil), k...))
		}
		for _, k := range due {
			if _, key, ok := splitExpiryKey(k); ok {
				if err := shards.Delete(key); err != nil {
					return err
				}
			}
			if err := expiry.Delete(k); err != nil {
				return err
			}
		}
		removed = len(due)
		return nil
	})
	if err != nil {
		b.metrics.recordError(ModeBolt, "sweep")
		return 0, err
	}
	b.metrics.recordExpired(ModeBolt, removed)
	return removed, nil
}

func (b *Bolt) Close() error {
	b.mu.Lock()
	loop := b.sweep
	b.sweep = nil
	b.mu.Unlock()
	loop.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
