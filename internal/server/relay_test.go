package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/saurav-z/aether-chat/internal/registry"
	"github.com/saurav-z/aether-chat/internal/store"
	"github.com/saurav-z/aether-chat/internal/wire"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

type testRelay struct {
	addr   string
	store  *store.Memory
	topics *registry.InMemoryRegistry
}

func TestInboxScenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	relay := startTestRelay(t, RelayOptions{}, 0)

	// A deposits while nobody listens.
	a := openStream(t, ctx, relay.addr)
	payload := bytes.Repeat([]byte{0x42}, 50)
	sendFrame(t, a, &wire.Frame{Deposit: &wire.Deposit{TopicID: "T", Shard: payload}})
	waitFor(t, "shard stored", func() bool { return shardCount(t, relay, "T") == 1 })

	// B connects later and drains the inbox.
	b := openStream(t, ctx, relay.addr)
	sendFrame(t, b, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	swarm := recvSwarm(t, b)
	if swarm.TopicID != "T" || len(swarm.Shards) != 1 {
		t.Fatalf("unexpected swarm: %+v", swarm)
	}
	if !bytes.Equal(swarm.Shards[0].Data, payload) {
		t.Fatalf("payload mismatch: %x", swarm.Shards[0].Data)
	}

	sendFrame(t, b, &wire.Frame{Ack: &wire.Ack{TopicID: "T", ShardID: swarm.Shards[0].ID}})
	waitFor(t, "shard deleted", func() bool { return shardCount(t, relay, "T") == 0 })

	// A third connection joining afterwards receives nothing for T.
	seedMarker(t, relay, "marker")
	c := openStream(t, ctx, relay.addr)
	sendFrame(t, c, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	sendFrame(t, c, &wire.Frame{Join: &wire.Join{TopicID: "marker"}})
	if got := recvSwarm(t, c); got.TopicID != "marker" {
		t.Fatalf("expected only marker swarm, got topic %s", got.TopicID)
	}
}

func TestDepositPushesOnlyToOtherSubscribers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	relay := startTestRelay(t, RelayOptions{}, 0)

	a := openStream(t, ctx, relay.addr)
	b := openStream(t, ctx, relay.addr)
	sendFrame(t, a, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	sendFrame(t, b, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	waitFor(t, "both subscribed", func() bool { return len(relay.topics.Subscribers("T")) == 2 })

	sendFrame(t, a, &wire.Frame{Deposit: &wire.Deposit{TopicID: "T", Shard: []byte("hello")}})
	got := recvSwarm(t, b)
	if got.TopicID != "T" || len(got.Shards) != 1 || string(got.Shards[0].Data) != "hello" {
		t.Fatalf("unexpected push to b: %+v", got)
	}

	// The depositor must not see its own shard: the next frame it gets is the marker.
	seedMarker(t, relay, "marker")
	sendFrame(t, a, &wire.Frame{Join: &wire.Join{TopicID: "marker"}})
	if got := recvSwarm(t, a); got.TopicID != "marker" {
		t.Fatalf("depositor received its own shard on topic %s", got.TopicID)
	}
}

func TestAtMostOneRecipient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	relay := startTestRelay(t, RelayOptions{}, 0)

	a := openStream(t, ctx, relay.addr)
	b := openStream(t, ctx, relay.addr)
	sendFrame(t, a, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	sendFrame(t, b, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	waitFor(t, "both subscribed", func() bool { return len(relay.topics.Subscribers("T")) == 2 })

	sender := openStream(t, ctx, relay.addr)
	sendFrame(t, sender, &wire.Frame{Deposit: &wire.Deposit{TopicID: "T", Shard: []byte("once")}})

	pushedA := recvSwarm(t, a)
	_ = recvSwarm(t, b)
	sendFrame(t, a, &wire.Frame{Ack: &wire.Ack{TopicID: "T", ShardID: pushedA.Shards[0].ID}})
	waitFor(t, "shard deleted", func() bool { return shardCount(t, relay, "T") == 0 })

	seedMarker(t, relay, "marker")
	sendFrame(t, b, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	sendFrame(t, b, &wire.Frame{Join: &wire.Join{TopicID: "marker"}})
	if got := recvSwarm(t, b); got.TopicID != "marker" {
		t.Fatalf("acknowledged shard was served again on %s", got.TopicID)
	}
}

func TestOversizeDepositDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	relay := startTestRelay(t, RelayOptions{MaxShardBytes: 1024}, 0)

	b := openStream(t, ctx, relay.addr)
	sendFrame(t, b, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	waitFor(t, "subscribed", func() bool { return len(relay.topics.Subscribers("T")) == 1 })

	a := openStream(t, ctx, relay.addr)
	sendFrame(t, a, &wire.Frame{Deposit: &wire.Deposit{TopicID: "T", Shard: make([]byte, 2048)}})
	sendFrame(t, a, &wire.Frame{Deposit: &wire.Deposit{TopicID: "T", Shard: []byte("small")}})

	got := recvSwarm(t, b)
	if string(got.Shards[0].Data) != "small" {
		t.Fatalf("expected only the small shard, got %d bytes", len(got.Shards[0].Data))
	}
	if n := shardCount(t, relay, "T"); n != 1 {
		t.Fatalf("expected one stored shard, got %d", n)
	}
}

func TestDepositRateLimited(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	relay := startTestRelay(t, RelayOptions{DepositRate: 0.001, DepositBurst: 1}, 0)

	a := openStream(t, ctx, relay.addr)
	for i := 0; i < 3; i++ {
		sendFrame(t, a, &wire.Frame{Deposit: &wire.Deposit{TopicID: "T", Shard: []byte("x")}})
	}
	sendFrame(t, a, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	waitFor(t, "join processed", func() bool { return len(relay.topics.Subscribers("T")) == 1 })
	if n := shardCount(t, relay, "T"); n != 1 {
		t.Fatalf("expected burst of one shard stored, got %d", n)
	}
}

func TestTopicLimitRefusesJoin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	relay := startTestRelay(t, RelayOptions{}, 1)

	a := openStream(t, ctx, relay.addr)
	sendFrame(t, a, &wire.Frame{Join: &wire.Join{TopicID: "T1"}})
	sendFrame(t, a, &wire.Frame{Join: &wire.Join{TopicID: "T2"}})
	sendFrame(t, a, &wire.Frame{Leave: &wire.Leave{TopicID: "T1"}})
	sendFrame(t, a, &wire.Frame{Join: &wire.Join{TopicID: "T3"}})

	waitFor(t, "T3 joined", func() bool { return len(relay.topics.Subscribers("T3")) == 1 })
	if subs := relay.topics.Subscribers("T2"); len(subs) != 0 {
		t.Fatalf("join beyond limit should be refused, got %v", subs)
	}
	if subs := relay.topics.Subscribers("T1"); len(subs) != 0 {
		t.Fatalf("leave should drop T1, got %v", subs)
	}
}

func TestMalformedFrameClosesStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	relay := startTestRelay(t, RelayOptions{}, 0)

	a := openStream(t, ctx, relay.addr)
	sendFrame(t, a, &wire.Frame{})
	_, err := a.Recv()
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	relay := startTestRelay(t, RelayOptions{}, 0)

	streamCtx, streamCancel := context.WithCancel(ctx)
	a := openStream(t, streamCtx, relay.addr)
	sendFrame(t, a, &wire.Frame{Join: &wire.Join{TopicID: "T"}})
	waitFor(t, "subscribed", func() bool { return relay.topics.Len() == 1 })

	streamCancel()
	waitFor(t, "subscriptions dropped", func() bool { return relay.topics.Len() == 0 })
}

func TestBatchShards(t *testing.T) {
	items := []wire.ShardItem{
		{ID: "a", Data: make([]byte, 6)},
		{ID: "b", Data: make([]byte, 6)},
		{ID: "c", Data: make([]byte, 20)},
		{ID: "d", Data: make([]byte, 1)},
	}
	batches := batchShards(items, 50)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 2 || len(batches[1]) != 1 || len(batches[2]) != 1 {
		t.Fatalf("unexpected batch shape: %d/%d/%d", len(batches[0]), len(batches[1]), len(batches[2]))
	}
	if got := batchShards(nil, 10); len(got) != 0 {
		t.Fatalf("expected no batches for empty input, got %d", len(got))
	}
}

func TestBatchShardsCountsPerItemOverhead(t *testing.T) {
	const limit = 64 << 10
	items := make([]wire.ShardItem, 20000)
	for i := range items {
		items[i] = wire.ShardItem{ID: fmt.Sprintf("%08d-0000-4000-8000-000000000000", i), Data: make([]byte, 8)}
	}
	batches := batchShards(items, limit)
	total := 0
	for i, batch := range batches {
		total += len(batch)
		enc, err := wire.Marshal(&wire.Frame{Swarm: &wire.Swarm{TopicID: "T", Shards: batch}})
		if err != nil {
			t.Fatalf("encode batch %d: %v", i, err)
		}
		if len(enc) > wire.MaxFrameSize(limit) {
			t.Fatalf("batch %d encodes to %d bytes, above the %d byte frame limit", i, len(enc), wire.MaxFrameSize(limit))
		}
	}
	if total != len(items) {
		t.Fatalf("batches hold %d items, want %d", total, len(items))
	}
}

func startTestRelay(t *testing.T, opts RelayOptions, topicLimit int) *testRelay {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	log := zaptest.NewLogger(t)
	st := store.NewMemory(store.Config{TTL: time.Hour}, log, nil)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	topics := registry.NewInMemory(topicLimit)

	srv := grpc.NewServer()
	wire.RegisterRelayServer(srv, NewRelayService(log, st, topics, opts))

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil {
			t.Logf("gRPC serve error: %v", serveErr)
		}
	}()

	t.Cleanup(func() {
		srv.Stop()
		listener.Close()
		st.Close()
	})
	return &testRelay{addr: listener.Addr().String(), store: st, topics: topics}
}

func openStream(t *testing.T, ctx context.Context, addr string) wire.RelayConnectClient {
	t.Helper()

	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	stream, err := wire.NewRelayClient(conn).Connect(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return stream
}

func sendFrame(t *testing.T, stream wire.RelayConnectClient, frame *wire.Frame) {
	t.Helper()
	if err := stream.Send(frame); err != nil {
		t.Fatalf("send %s: %v", frame.Kind(), err)
	}
}

func recvSwarm(t *testing.T, stream wire.RelayConnectClient) *wire.Swarm {
	t.Helper()
	for {
		frame, err := stream.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if frame.Swarm != nil {
			return frame.Swarm
		}
	}
}

func seedMarker(t *testing.T, relay *testRelay, topic string) {
	t.Helper()
	if err := relay.store.Save(context.Background(), topic, "marker-shard", []byte("m")); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
}

func shardCount(t *testing.T, relay *testRelay, topic string) int {
	t.Helper()
	shards, err := relay.store.Get(context.Background(), topic)
	if err != nil {
		t.Fatalf("get shards: %v", err)
	}
	return len(shards)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
