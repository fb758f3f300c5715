package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

var (
	ldbShardPrefix  = []byte("s/")
	ldbExpiryPrefix = []byte("x/")
	ldbMetaPrefix   = []byte("m/")
)

func ldbKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// LevelDB persists shards in a goleveldb directory. Keys mirror the bolt
// layout, namespaced by prefix instead of bucket.
type LevelDB struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	mu sync.RWMutex
	db *leveldb.DB
	// writeMu serialises read-modify-write sequences.
	writeMu sync.Mutex
	sweep   *sweepLoop
}

func NewLevelDB(cfg Config, log *zap.Logger, metrics *Metrics) *LevelDB {
	if log == nil {
		log = zap.NewNop()
	}
	return &LevelDB{
		cfg:     cfg.withDefaults(),
		log:     log.Named("store.leveldb"),
		metrics: metrics,
	}
}

func (l *LevelDB) Init(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		return nil
	}
	if dir := filepath.Dir(l.cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := leveldb.OpenFile(l.cfg.Path, nil)
	if err != nil {
		return fmt.Errorf("open leveldb store %s: %w", l.cfg.Path, err)
	}
	if err := l.reconcileTTL(db); err != nil {
		db.Close()
		return fmt.Errorf("prepare leveldb store: %w", err)
	}
	l.db = db
	l.sweep = startSweepLoop(l.cfg.SweepInterval, l.cfg.Now, l.Sweep, l.log)
	l.log.Info("leveldb store ready", zap.String("path", l.cfg.Path), zap.Duration("ttl", l.cfg.TTL))
	return nil
}

func (l *LevelDB) reconcileTTL(db *leveldb.DB) error {
	metaKey := ldbKey(ldbMetaPrefix, metaTTLKey)
	raw, err := db.Get(metaKey, nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}
	batch := new(leveldb.Batch)
	if prev, ok := decodeTTL(raw); ok && prev != l.cfg.TTL {
		if !l.cfg.RebuildExpiry {
			l.log.Warn("message ttl changed; existing shards keep their previous expiry",
				zap.Duration("previous_ttl", prev),
				zap.Duration("ttl", l.cfg.TTL))
		} else {
			n, err := l.rebuildExpiry(db, batch)
			if err != nil {
				return fmt.Errorf("rebuild expiry index: %w", err)
			}
			l.log.Info("expiry index rebuilt for new ttl",
				zap.Duration("previous_ttl", prev),
				zap.Duration("ttl", l.cfg.TTL),
				zap.Int("shards", n))
		}
	}
	batch.Put(metaKey, encodeTTL(l.cfg.TTL))
	return db.Write(batch, nil)
}

func (l *LevelDB) rebuildExpiry(db *leveldb.DB, batch *leveldb.Batch) (int, error) {
	iter := db.NewIterator(util.BytesPrefix(ldbExpiryPrefix), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}

	n := 0
	iter = db.NewIterator(util.BytesPrefix(ldbShardPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return 0, err
		}
		rec.ExpiresAt = rec.CreatedAt + int64(l.cfg.TTL)
		raw, err := encodeRecord(rec)
		if err != nil {
			return 0, err
		}
		key := append([]byte(nil), iter.Key()[len(ldbShardPrefix):]...)
		batch.Put(ldbKey(ldbShardPrefix, key), raw)
		batch.Put(ldbKey(ldbExpiryPrefix, expiryKey(rec.ExpiresAt, key)), nil)
		n++
	}
	return n, iter.Error()
}

func (l *LevelDB) handle() (*leveldb.DB, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return nil, ErrNotReady
	}
	return l.db, nil
}

func (l *LevelDB) Save(_ context.Context, topicID, shardID string, data []byte) error {
	db, err := l.handle()
	if err != nil {
		return err
	}
	rec := newRecord(topicID, shardID, data, l.cfg.Now(), l.cfg.TTL)
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := shardKey(topicID, shardID)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	exists, err := db.Has(ldbKey(ldbShardPrefix, key), nil)
	if err != nil {
		l.metrics.recordError(ModeLevelDB, "save")
		return err
	}
	if exists {
		return ErrShardExists
	}
	batch := new(leveldb.Batch)
	batch.Put(ldbKey(ldbShardPrefix, key), raw)
	batch.Put(ldbKey(ldbExpiryPrefix, expiryKey(rec.ExpiresAt, key)), nil)
	if err := db.Write(batch, nil); err != nil {
		l.metrics.recordError(ModeLevelDB, "save")
		return err
	}
	l.metrics.recordSaved(ModeLevelDB)
	return nil
}

func (l *LevelDB) Get(_ context.Context, topicID string) ([]Shard, error) {
	db, err := l.handle()
	if err != nil {
		return nil, err
	}
	now := l.cfg.Now()
	out := []Shard{}
	iter := db.NewIterator(util.BytesPrefix(ldbKey(ldbShardPrefix, topicPrefix(topicID))), nil)
	defer iter.Release()
	for iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			l.metrics.recordError(ModeLevelDB, "get")
			return nil, err
		}
		if rec.TopicID != topicID || rec.expired(now) {
			continue
		}
		out = append(out, rec.shard())
	}
	if err := iter.Error(); err != nil {
		l.metrics.recordError(ModeLevelDB, "get")
		return nil, err
	}
	return out, nil
}

func (l *LevelDB) Delete(_ context.Context, topicID, shardID string) error {
	db, err := l.handle()
	if err != nil {
		return err
	}
	key := shardKey(topicID, shardID)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	raw, err := db.Get(ldbKey(ldbShardPrefix, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		l.metrics.recordError(ModeLevelDB, "delete")
		return err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(ldbKey(ldbShardPrefix, key))
	batch.Delete(ldbKey(ldbExpiryPrefix, expiryKey(rec.ExpiresAt, key)))
	if err := db.Write(batch, nil); err != nil {
		l.metrics.recordError(ModeLevelDB, "delete")
		return err
	}
	l.metrics.recordDeleted(ModeLevelDB)
	return nil
}

// Sweep deletes every shard whose expiration is at or before now.
func (l *LevelDB) Sweep(now time.Time) (int, error) {
	db, err := l.handle()
	if err != nil {
		return 0, err
	}
	cutoff := now.UnixNano()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	removed := 0
	batch := new(leveldb.Batch)
	iter := db.NewIterator(util.BytesPrefix(ldbExpiryPrefix), nil)
	for iter.Next() {
		k := iter.Key()[len(ldbExpiryPrefix):]
		stamp, key, ok := splitExpiryKey(k)
		if ok && stamp > cutoff {
			break
		}
		if ok {
			batch.Delete(ldbKey(ldbShardPrefix, key))
			removed++
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		l.metrics.recordError(ModeLevelDB, "sweep")
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := db.Write(batch, nil); err != nil {
		l.metrics.recordError(ModeLevelDB, "sweep")
		return 0, err
	}
	l.metrics.recordExpired(ModeLevelDB, removed)
	return removed, nil
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	loop := l.sweep
	l.sweep = nil
	l.mu.Unlock()
	loop.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
