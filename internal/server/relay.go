package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saurav-z/aether-chat/internal/registry"
	"github.com/saurav-z/aether-chat/internal/store"
	"github.com/saurav-z/aether-chat/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	sendBufferSize       = 32
	defaultMaxShardBytes = 16 * 1024 * 1024
)

// RelayOptions configures limits and observability for the relay handler.
type RelayOptions struct {
	Metrics       *relayMetrics
	MaxShardBytes int
	// DepositRate is deposits per second per connection; zero disables limiting.
	DepositRate  float64
	DepositBurst int
	SendBuffer   int
	NewShardID   func() string
}

// RelayService implements the blind relay over wire.RelayServer. It never
// inspects shard contents.
type RelayService struct {
	log     *zap.Logger
	store   store.Store
	topics  registry.TopicRegistry
	metrics *relayMetrics

	mu    sync.RWMutex
	conns map[string]*relayConn

	maxShardBytes int
	depositRate   rate.Limit
	depositBurst  int
	sendBuffer    int
	newShardID    func() string
}

// NewRelayService wires dependencies for the gRPC handler.
func NewRelayService(log *zap.Logger, st store.Store, topics registry.TopicRegistry, opts RelayOptions) *RelayService {
	if log == nil {
		log = zap.NewNop()
	}
	if topics == nil {
		topics = registry.NewInMemory(0)
	}
	svc := &RelayService{
		log:           log.Named("relay"),
		store:         st,
		topics:        topics,
		metrics:       opts.Metrics,
		conns:         make(map[string]*relayConn),
		maxShardBytes: opts.MaxShardBytes,
		depositRate:   rate.Limit(opts.DepositRate),
		depositBurst:  opts.DepositBurst,
		sendBuffer:    opts.SendBuffer,
		newShardID:    opts.NewShardID,
	}
	if svc.maxShardBytes <= 0 {
		svc.maxShardBytes = defaultMaxShardBytes
	}
	if svc.depositBurst <= 0 {
		svc.depositBurst = 1
	}
	if svc.sendBuffer <= 0 {
		svc.sendBuffer = sendBufferSize
	}
	if svc.newShardID == nil {
		svc.newShardID = uuid.NewString
	}
	return svc
}

// Connect handles one client's bidirectional stream for its lifetime.
func (s *RelayService) Connect(stream wire.RelayConnectServer) error {
	conn, err := s.openConn(stream.Context())
	if err != nil {
		return err
	}
	defer s.cleanupConn(conn)

	go s.sender(stream, conn)

	frames := make(chan *wire.Frame)
	recvErr := make(chan error, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-conn.ctx.Done():
			if errors.Is(context.Cause(conn.ctx), errBackpressure) {
				return status.Error(codes.ResourceExhausted, errBackpressure.Error())
			}
			return nil
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
				return nil
			}
			s.log.Warn("stream recv failed", zap.Error(err), zap.String("conn_id", conn.id))
			return err
		case frame := <-frames:
			start := time.Now()
			op := frame.Kind()
			if err := s.routeFrame(conn, frame); err != nil {
				s.observe(op, start, err)
				var rerr *routeError
				if errors.As(err, &rerr) {
					if rerr.fatal {
						return status.Error(rerr.status, rerr.msg)
					}
					continue
				}
				return err
			}
			s.observe(op, start, nil)
		}
	}
}

func (s *RelayService) openConn(parentCtx context.Context) (*relayConn, error) {
	connID, err := generateConnID()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "generate connection id: %v", err)
	}

	ctx, cancel := context.WithCancelCause(parentCtx)
	conn := &relayConn{
		id:          connID,
		sendCh:      make(chan *wire.Frame, s.sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
	if s.depositRate > 0 {
		conn.limiter = rate.NewLimiter(s.depositRate, s.depositBurst)
	}

	s.mu.Lock()
	s.conns[connID] = conn
	s.mu.Unlock()
	s.metrics.incConn()

	s.log.Info("client connected", zap.String("conn_id", connID))
	return conn, nil
}

func (s *RelayService) routeFrame(conn *relayConn, frame *wire.Frame) error {
	if err := frame.Validate(); err != nil {
		return &routeError{code: "INVALID_FRAME", msg: err.Error(), status: codes.InvalidArgument, fatal: true}
	}
	switch {
	case frame.Join != nil:
		return s.handleJoin(conn, frame.Join)
	case frame.Leave != nil:
		return s.handleLeave(conn, frame.Leave)
	case frame.Deposit != nil:
		return s.handleDeposit(conn, frame.Deposit)
	case frame.Ack != nil:
		return s.handleAck(conn, frame.Ack)
	default:
		return &routeError{code: "UNSUPPORTED_FRAME", msg: "unsupported frame"}
	}
}

// handleJoin subscribes the connection and flushes the topic's backlog to it.
func (s *RelayService) handleJoin(conn *relayConn, join *wire.Join) error {
	if join.TopicID == "" {
		return &routeError{code: "INVALID_TOPIC", msg: "topic id required"}
	}
	if err := s.topics.Subscribe(conn.id, join.TopicID); err != nil {
		if errors.Is(err, registry.ErrTopicLimit) {
			s.log.Warn("join refused: topic limit reached", zap.String("conn_id", conn.id))
			return &routeError{code: "TOPIC_LIMIT", msg: err.Error()}
		}
		return &routeError{code: "INVALID_TOPIC", msg: err.Error()}
	}
	s.metrics.setTopics(s.topics.Len())
	s.log.Debug("joined rendezvous", zap.String("conn_id", conn.id), zap.String("topic_id", join.TopicID),
		zap.Int("conn_topics", len(s.topics.TopicsOf(conn.id))))

	shards, err := s.store.Get(conn.ctx, join.TopicID)
	if err != nil {
		s.log.Warn("load pending shards", zap.Error(err), zap.String("conn_id", conn.id))
		return &routeError{code: "STORE_ERROR", msg: "load pending shards failed"}
	}
	if len(shards) == 0 {
		return nil
	}

	items := make([]wire.ShardItem, 0, len(shards))
	for _, sh := range shards {
		items = append(items, wire.ShardItem{ID: sh.ID, Data: sh.Data})
	}
	for _, batch := range batchShards(items, s.maxShardBytes) {
		if err := s.pushFrame(conn, &wire.Frame{Swarm: &wire.Swarm{TopicID: join.TopicID, Shards: batch}}); err != nil {
			return err
		}
	}
	s.metrics.recordPushed("join", len(items))
	return nil
}

func (s *RelayService) handleLeave(conn *relayConn, leave *wire.Leave) error {
	if leave.TopicID == "" {
		return &routeError{code: "INVALID_TOPIC", msg: "topic id required"}
	}
	if s.topics.Unsubscribe(conn.id, leave.TopicID) {
		s.metrics.setTopics(s.topics.Len())
	}
	return nil
}

// handleDeposit stores a shard and forwards it to the topic's other
// subscribers. Rejected deposits are dropped without notifying the sender.
func (s *RelayService) handleDeposit(conn *relayConn, dep *wire.Deposit) error {
	if dep.TopicID == "" {
		return &routeError{code: "INVALID_TOPIC", msg: "topic id required"}
	}
	switch {
	case len(dep.Shard) == 0:
		s.metrics.recordRejected("empty")
		return nil
	case len(dep.Shard) > s.maxShardBytes:
		s.metrics.recordRejected("oversize")
		s.log.Debug("oversize shard dropped", zap.String("conn_id", conn.id), zap.Int("bytes", len(dep.Shard)))
		return nil
	case conn.limiter != nil && !conn.limiter.Allow():
		s.metrics.recordRejected("rate_limited")
		return nil
	}

	shardID := s.newShardID()
	if err := s.store.Save(conn.ctx, dep.TopicID, shardID, dep.Shard); err != nil {
		s.log.Warn("persist shard", zap.Error(err), zap.String("conn_id", conn.id))
		s.metrics.recordError("STORE_ERROR")
		return nil
	}

	var targets []*relayConn
	s.mu.RLock()
	for _, id := range s.topics.Subscribers(dep.TopicID) {
		if id == conn.id {
			continue
		}
		if target, ok := s.conns[id]; ok {
			targets = append(targets, target)
		}
	}
	s.mu.RUnlock()

	for _, target := range targets {
		_ = s.pushFrame(target, &wire.Frame{Swarm: &wire.Swarm{
			TopicID: dep.TopicID,
			Shards:  []wire.ShardItem{{ID: shardID, Data: dep.Shard}},
		}})
	}
	s.metrics.recordPushed("deposit", len(targets))
	return nil
}

// handleAck deletes the shard. Receipt is not verified.
func (s *RelayService) handleAck(conn *relayConn, ack *wire.Ack) error {
	if ack.TopicID == "" || ack.ShardID == "" {
		return &routeError{code: "INVALID_ACK", msg: "topic id and shard id required"}
	}
	if err := s.store.Delete(conn.ctx, ack.TopicID, ack.ShardID); err != nil {
		s.log.Warn("delete acknowledged shard", zap.Error(err), zap.String("conn_id", conn.id))
		return &routeError{code: "STORE_ERROR", msg: "delete failed"}
	}
	return nil
}

func (s *RelayService) sender(stream wire.RelayConnectServer, conn *relayConn) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		case frame := <-conn.sendCh:
			if err := stream.Send(frame); err != nil {
				s.log.Warn("stream send failed", zap.Error(err), zap.String("conn_id", conn.id))
				conn.cancel(err)
				return
			}
		}
	}
}

var errBackpressure = errors.New("connection send buffer full")

func (s *RelayService) pushFrame(conn *relayConn, frame *wire.Frame) error {
	select {
	case <-conn.ctx.Done():
		return conn.ctx.Err()
	case conn.sendCh <- frame:
		return nil
	default:
		conn.cancel(errBackpressure)
		return &routeError{code: "BACKPRESSURE", msg: errBackpressure.Error(), status: codes.ResourceExhausted, fatal: true}
	}
}

func (s *RelayService) cleanupConn(conn *relayConn) {
	conn.cancel(nil)

	s.mu.Lock()
	delete(s.conns, conn.id)
	s.mu.Unlock()

	s.topics.Drop(conn.id)
	s.metrics.setTopics(s.topics.Len())
	s.metrics.decConn()

	s.log.Info("client disconnected", zap.String("conn_id", conn.id),
		zap.Duration("connected_for", time.Since(conn.connectedAt)))
}

// Connections reports the number of open client streams.
func (s *RelayService) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *RelayService) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = rerr.code
		}
		s.metrics.recordError(code)
	}
}

// shardItemOverhead approximates the CBOR map header, keys and length
// prefixes each ShardItem adds to a Swarm frame.
const shardItemOverhead = 16

func shardCost(it wire.ShardItem) int {
	return len(it.Data) + len(it.ID) + shardItemOverhead
}

// batchShards groups items so no Swarm frame encodes more than limit bytes of
// shard items. A single item is never split.
func batchShards(items []wire.ShardItem, limit int) [][]wire.ShardItem {
	var (
		out  [][]wire.ShardItem
		cur  []wire.ShardItem
		size int
	)
	for _, it := range items {
		cost := shardCost(it)
		if len(cur) > 0 && size+cost > limit {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, it)
		size += cost
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func generateConnID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// relayConn tracks a connected client stream.
type relayConn struct {
	id          string
	sendCh      chan *wire.Frame
	ctx         context.Context
	cancel      context.CancelCauseFunc
	limiter     *rate.Limiter
	connectedAt time.Time
}

// routeError maps frame handling failures to metrics codes and, when fatal,
// to the status that ends the stream.
type routeError struct {
	code   string
	msg    string
	status codes.Code
	fatal  bool
}

func (e *routeError) Error() string {
	return e.msg
}
