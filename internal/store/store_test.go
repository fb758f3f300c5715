package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backendCase struct {
	name string
	mode string
	path func(t *testing.T) string
}

var backends = []backendCase{
	{name: "memory", mode: ModeMemory, path: func(*testing.T) string { return "" }},
	{name: "bolt", mode: ModeBolt, path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "shards.db") }},
	{name: "leveldb", mode: ModeLevelDB, path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "shards") }},
}

func openTestStore(t *testing.T, cfg Config, log *zap.Logger, metrics *Metrics) Store {
	t.Helper()
	if log == nil {
		log = zaptest.NewLogger(t)
	}
	s, err := Open(cfg, log, metrics)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func shardIDs(shards []Shard) []string {
	out := make([]string, 0, len(shards))
	for _, s := range shards {
		out = append(out, s.ID)
	}
	return out
}

func mustGet(t *testing.T, s Store, topic string) []Shard {
	t.Helper()
	got, err := s.Get(context.Background(), topic)
	if err != nil {
		t.Fatalf("get %s: %v", topic, err)
	}
	return got
}

func mustSave(t *testing.T, s Store, topic, shard string, data []byte) {
	t.Helper()
	if err := s.Save(context.Background(), topic, shard, data); err != nil {
		t.Fatalf("save %s/%s: %v", topic, shard, err)
	}
}

func TestStoreConformance(t *testing.T) {
	for _, bc := range backends {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			s := openTestStore(t, Config{
				Mode:          bc.mode,
				Path:          bc.path(t),
				TTL:           time.Hour,
				SweepInterval: time.Hour,
				Now:           clock.Now,
			}, nil, nil)

			t.Run("unknown topic is empty", func(t *testing.T) {
				got := mustGet(t, s, "nobody")
				if got == nil || len(got) != 0 {
					t.Fatalf("expected empty non-nil slice, got %#v", got)
				}
			})

			t.Run("ack deletes", func(t *testing.T) {
				mustSave(t, s, "T1", "S1", []byte("cipher"))
				got := mustGet(t, s, "T1")
				if len(got) != 1 {
					t.Fatalf("expected 1 shard, got %d", len(got))
				}
				if got[0].ID != "S1" || got[0].TopicID != "T1" || !bytes.Equal(got[0].Data, []byte("cipher")) {
					t.Fatalf("unexpected shard %+v", got[0])
				}

				if err := s.Delete(ctx, "T1", "S1"); err != nil {
					t.Fatalf("delete: %v", err)
				}
				if got := mustGet(t, s, "T1"); len(got) != 0 {
					t.Fatalf("expected topic drained, got %d shards", len(got))
				}
			})

			t.Run("delete of absent shard is a no-op", func(t *testing.T) {
				if err := s.Delete(ctx, "T1", "missing"); err != nil {
					t.Fatalf("delete missing shard: %v", err)
				}
				if err := s.Delete(ctx, "never-used", "missing"); err != nil {
					t.Fatalf("delete on unknown topic: %v", err)
				}
			})

			t.Run("never overwrites", func(t *testing.T) {
				mustSave(t, s, "T2", "S1", []byte("first"))
				if err := s.Save(ctx, "T2", "S1", []byte("second")); !errors.Is(err, ErrShardExists) {
					t.Fatalf("expected ErrShardExists, got %v", err)
				}
				got := mustGet(t, s, "T2")
				if len(got) != 1 || !bytes.Equal(got[0].Data, []byte("first")) {
					t.Fatalf("original shard must survive, got %+v", got)
				}
			})

			t.Run("topics are isolated", func(t *testing.T) {
				mustSave(t, s, "ab", "S1", []byte("x"))
				mustSave(t, s, "a", "S2", []byte("y"))
				if ids := shardIDs(mustGet(t, s, "a")); len(ids) != 1 || ids[0] != "S2" {
					t.Fatalf("expected [S2], got %v", ids)
				}
			})

			t.Run("ttl incineration", func(t *testing.T) {
				mustSave(t, s, "T3", "old", []byte("old"))
				clock.Advance(30 * time.Minute)
				mustSave(t, s, "T3", "young", []byte("young"))
				clock.Advance(31 * time.Minute)

				if ids := shardIDs(mustGet(t, s, "T3")); len(ids) != 1 || ids[0] != "young" {
					t.Fatalf("expected only the young shard, got %v", ids)
				}

				sw, ok := s.(Sweeper)
				if !ok {
					t.Fatalf("%T does not implement Sweeper", s)
				}
				n, err := sw.Sweep(clock.Now())
				if err != nil {
					t.Fatalf("sweep: %v", err)
				}
				if n < 1 {
					t.Fatalf("expected at least one expired shard, got %d", n)
				}

				clock.Advance(time.Hour)
				if _, err := sw.Sweep(clock.Now()); err != nil {
					t.Fatalf("sweep: %v", err)
				}
				if got := mustGet(t, s, "T3"); len(got) != 0 {
					t.Fatalf("expected topic incinerated, got %d shards", len(got))
				}
			})
		})
	}
}

func TestDurableStoresSurviveRestart(t *testing.T) {
	for _, bc := range backends[1:] {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := Config{Mode: bc.mode, Path: bc.path(t), TTL: time.Hour}

			s, err := Open(cfg, zaptest.NewLogger(t), nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := s.Init(ctx); err != nil {
				t.Fatalf("init: %v", err)
			}
			mustSave(t, s, "T", "S", []byte("persisted"))
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			s = openTestStore(t, cfg, nil, nil)
			got := mustGet(t, s, "T")
			if len(got) != 1 || !bytes.Equal(got[0].Data, []byte("persisted")) {
				t.Fatalf("shard did not survive restart: %+v", got)
			}
		})
	}
}

func TestDurableStoresHandleTTLChange(t *testing.T) {
	for _, bc := range backends[1:] {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			path := bc.path(t)

			s, err := Open(Config{Mode: bc.mode, Path: path, TTL: time.Hour, Now: clock.Now}, zaptest.NewLogger(t), nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := s.Init(ctx); err != nil {
				t.Fatalf("init: %v", err)
			}
			mustSave(t, s, "T", "S", []byte("payload"))
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			core, logs := observer.New(zapcore.WarnLevel)
			s, err = Open(Config{Mode: bc.mode, Path: path, TTL: 2 * time.Hour, Now: clock.Now}, zap.New(core), nil)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			if err := s.Init(ctx); err != nil {
				t.Fatalf("init: %v", err)
			}
			if n := logs.FilterMessage("message ttl changed; existing shards keep their previous expiry").Len(); n != 1 {
				t.Fatalf("expected one ttl change warning, got %d", n)
			}

			// Without a rebuild the shard keeps its original one hour expiry.
			clock.Advance(61 * time.Minute)
			if got := mustGet(t, s, "T"); len(got) != 0 {
				t.Fatalf("expected shard expired under its original ttl, got %d", len(got))
			}
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			s = openTestStore(t, Config{Mode: bc.mode, Path: path, TTL: 3 * time.Hour, RebuildExpiry: true, Now: clock.Now}, nil, nil)
			if got := mustGet(t, s, "T"); len(got) != 1 {
				t.Fatalf("rebuilt expiry should extend the shard to three hours, got %d shards", len(got))
			}
		})
	}
}

func TestOpenModes(t *testing.T) {
	for mode, want := range map[string]string{"": ModeMemory, "RAM": ModeMemory, "db": ModeBolt, "leveldb": ModeLevelDB} {
		got, err := NormalizeMode(mode)
		if err != nil {
			t.Fatalf("normalize %q: %v", mode, err)
		}
		if got != want {
			t.Fatalf("normalize %q: got %q, want %q", mode, got, want)
		}
	}

	if _, err := Open(Config{Mode: "mongo"}, nil, nil); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if _, err := Open(Config{Mode: ModeBolt}, nil, nil); err == nil {
		t.Fatal("expected durable mode without a path to fail")
	}
}

func TestDurableInitFailsOnUnusablePath(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Mode: ModeBolt, Path: dir}, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Init(context.Background()); err == nil {
		t.Fatal("expected init on a directory path to fail")
	}
	if err := s.Save(context.Background(), "T", "S", nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestMetricsCountLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	s := openTestStore(t, Config{Mode: ModeMemory, TTL: time.Minute, SweepInterval: time.Hour, Now: clock.Now}, nil, metrics)
	mustSave(t, s, "T", "a", []byte("1"))
	mustSave(t, s, "T", "b", []byte("2"))
	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, "T", "a"); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}

	clock.Advance(2 * time.Minute)
	n, err := s.(*Memory).Sweep(clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired shard, got %d", n)
	}
	if l := s.(*Memory).Len(); l != 0 {
		t.Fatalf("expected empty store, got %d", l)
	}

	for name, tc := range map[string]struct {
		c    prometheus.Collector
		want float64
	}{
		"saved":   {metrics.saved.WithLabelValues(ModeMemory), 2},
		"deleted": {metrics.deleted.WithLabelValues(ModeMemory), 1},
		"expired": {metrics.expired.WithLabelValues(ModeMemory), 1},
	} {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Fatalf("%s: got %v, want %v", name, got, tc.want)
		}
	}
}
