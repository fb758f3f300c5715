// Package mesh implements the client side of the relay: a session that keeps
// a stream open, follows the rolling rendezvous topics for one shared secret,
// seals outgoing messages and reassembles incoming ones.
//
// A shard that yields a message is acknowledged after OnMessage returns for
// it. Shards that are dropped, duplicated or only part of a chunked message
// are acknowledged as soon as they are read.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saurav-z/aether-chat/internal/crypto/seal"
	"github.com/saurav-z/aether-chat/internal/rendezvous"
	"github.com/saurav-z/aether-chat/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const (
	DefaultMaxShardBytes     = 16 * 1024 * 1024
	DefaultReconnectAttempts = 20
	DefaultReconnectDelay    = time.Second
	DefaultSweepInterval     = time.Minute
	DefaultCloseTimeout      = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("mesh: not connected")
	ErrClosed       = errors.New("mesh: session closed")
	ErrOversize     = errors.New("mesh: shard exceeds relay limit")
)

// Cipher seals and opens envelopes under a shared secret.
type Cipher interface {
	Encrypt(secret, plaintext []byte) ([]byte, error)
	Decrypt(secret, envelope []byte) ([]byte, error)
}

// Config wires a session to a relay and a shared secret.
type Config struct {
	Address string
	TLS     TLSConfig
	Secret  []byte
	Cipher  Cipher

	ChunkSize         int
	MaxShardBytes     int
	RefreshInterval   time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	DedupCapacity     int
	PendingTTL        time.Duration
	SweepInterval     time.Duration
	// CloseTimeout bounds how long Close waits for the relay to take
	// deposits already written to the stream.
	CloseTimeout time.Duration

	// Callbacks run on a single dispatcher goroutine, in emission order.
	OnMessage func(Message)
	OnStatus  func(Status)

	Log         *zap.Logger
	Metrics     *Metrics
	Now         func() time.Time
	DialOptions []grpc.DialOption
}

func (c Config) withDefaults() Config {
	if c.Cipher == nil {
		c.Cipher = seal.Provider{}
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxShardBytes <= 0 {
		c.MaxShardBytes = DefaultMaxShardBytes
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = rendezvous.RefreshInterval
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Session is a live attachment to the relay for one shared secret.
type Session struct {
	cfg      Config
	log      *zap.Logger
	metrics  *Metrics
	scheme   rendezvous.Scheme
	dialOpts []grpc.DialOption

	ctx       context.Context
	cancel    context.CancelFunc
	sendCh    chan sendRequest
	events    chan event
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	acks      chan wire.Ack
	notes     *notifier

	mu      sync.Mutex
	status  Status
	changed chan struct{}
	topics  []string

	// Owned by the loop goroutine.
	conn     *connection
	gen      uint64
	failures int
	active   []string
	reasm    *Reassembler
	dedup    *Dedup
}

type connection struct {
	cc     *grpc.ClientConn
	stream wire.RelayConnectClient
	cancel context.CancelFunc
	// recvDone is closed once Recv has returned an error.
	recvDone chan struct{}
}

func (c *connection) close() {
	c.cancel()
	_ = c.cc.Close()
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventConnectFailed
	eventFrame
	eventLost
)

type event struct {
	kind  eventKind
	gen   uint64
	conn  *connection
	frame *wire.Frame
	err   error
}

type sendRequest struct {
	msg    Message
	result chan error
}

// Dial validates cfg and starts the session. The first connection attempt
// happens in the background; failures move the session to Reconnecting.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		return nil, errors.New("mesh: relay address is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("mesh: shared secret is required")
	}
	cfg = cfg.withDefaults()

	transport, err := dialTransportOption(cfg.TLS)
	if err != nil {
		return nil, err
	}
	maxFrame := wire.MaxFrameSize(cfg.MaxShardBytes)
	opts := []grpc.DialOption{
		transport,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxFrame), grpc.MaxCallSendMsgSize(maxFrame)),
	}
	opts = append(opts, cfg.DialOptions...)

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		log:      cfg.Log.With(zap.String("relay", cfg.Address)),
		metrics:  cfg.Metrics,
		scheme:   rendezvous.New(cfg.Secret, cfg.Now),
		dialOpts: opts,
		ctx:      sctx,
		cancel:   cancel,
		sendCh:   make(chan sendRequest),
		events:   make(chan event),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
		acks:     make(chan wire.Ack),
		notes:    newNotifier(),
		changed:  make(chan struct{}),
		reasm:    NewReassembler(cfg.PendingTTL, DefaultMaxChunks),
		dedup:    NewDedup(cfg.DedupCapacity),
	}
	go s.run()
	return s, nil
}

// Close stops the session and waits for its loop to exit. Deposits already
// accepted by Send are flushed to the relay first, bounded by CloseTimeout.
// Partial reassembly state is discarded.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	<-s.done
	return nil
}

// Done is closed once the session has stopped, either through Close or
// after reconnect attempts are exhausted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status reports the connection lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ActiveTopics returns the topics currently joined.
func (s *Session) ActiveTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

// WaitConnected blocks until the session is connected, closed or ctx ends.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, ch := s.status, s.changed
		s.mu.Unlock()
		switch st {
		case StatusConnected:
			return nil
		case StatusClosed:
			return ErrClosed
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send seals msg and deposits it under the current topic. An empty ID or
// Timestamp is filled in.
func (s *Session) Send(ctx context.Context, msg Message) error {
	req := sendRequest{msg: msg, result: make(chan error, 1)}
	select {
	case s.sendCh <- req:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.notes.close()
	defer s.cancel()

	refresh := time.NewTicker(s.cfg.RefreshInterval)
	defer refresh.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	redial := time.NewTimer(0)
	if !redial.Stop() {
		<-redial.C
	}
	defer redial.Stop()

	s.setStatus(StatusConnecting)
	s.startConnect()

	for {
		select {
		case <-s.closeCh:
			s.flush()
			s.teardown()
			s.setStatus(StatusClosed)
			return
		case ev := <-s.events:
			if ev.gen != s.gen {
				if ev.conn != nil {
					ev.conn.close()
				}
				continue
			}
			switch ev.kind {
			case eventConnected:
				s.onConnected(ev.conn)
			case eventFrame:
				if ev.frame.Swarm != nil {
					s.handleSwarm(ev.frame.Swarm)
				}
			case eventConnectFailed, eventLost:
				if !s.onFailure(ev.err, redial) {
					s.teardown()
					s.setStatus(StatusError)
					s.setStatus(StatusClosed)
					return
				}
			}
		case <-redial.C:
			s.metrics.RecordReconnect()
			s.startConnect()
		case req := <-s.sendCh:
			req.result <- s.send(req.msg)
		case ack := <-s.acks:
			s.sendAck(ack)
		case <-refresh.C:
			if s.conn != nil {
				s.refreshTopics()
			}
		case <-sweep.C:
			if n := s.reasm.Expire(s.cfg.Now()); n > 0 {
				s.log.Debug("expired partial messages", zap.Int("count", n))
			}
			s.metrics.SetPending(s.reasm.Pending())
		}
	}
}

func (s *Session) startConnect() {
	s.gen++
	go s.connect(s.gen)
}

func (s *Session) connect(gen uint64) {
	cc, err := grpc.DialContext(s.ctx, s.cfg.Address, s.dialOpts...)
	if err != nil {
		s.post(event{kind: eventConnectFailed, gen: gen, err: fmt.Errorf("dial relay: %w", err)})
		return
	}
	streamCtx, cancel := context.WithCancel(s.ctx)
	stream, err := wire.NewRelayClient(cc).Connect(streamCtx)
	if err != nil {
		cancel()
		_ = cc.Close()
		s.post(event{kind: eventConnectFailed, gen: gen, err: fmt.Errorf("open stream: %w", err)})
		return
	}
	conn := &connection{cc: cc, stream: stream, cancel: cancel, recvDone: make(chan struct{})}
	if !s.post(event{kind: eventConnected, gen: gen, conn: conn}) {
		conn.close()
		return
	}
	for {
		frame, err := stream.Recv()
		if err != nil {
			close(conn.recvDone)
			s.post(event{kind: eventLost, gen: gen, err: err})
			return
		}
		if !s.post(event{kind: eventFrame, gen: gen, frame: frame}) {
			return
		}
	}
}

func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) onConnected(conn *connection) {
	s.conn = conn
	s.failures = 0
	s.active = nil
	s.log.Info("connected to relay")
	s.setStatus(StatusConnected)
	s.refreshTopics()
}

// onFailure records a failed or lost connection and schedules a redial. It
// returns false once the consecutive failure budget is spent.
func (s *Session) onFailure(err error, redial *time.Timer) bool {
	if s.conn != nil {
		s.conn.close()
		s.conn = nil
	}
	s.active = nil
	s.publishTopics()

	s.failures++
	if s.failures >= s.cfg.ReconnectAttempts {
		s.log.Warn("giving up on relay", zap.Int("attempts", s.failures), zap.Error(err))
		return false
	}
	s.log.Info("relay connection lost", zap.Int("attempt", s.failures), zap.Error(err))
	s.setStatus(StatusReconnecting)
	redial.Reset(s.cfg.ReconnectDelay)
	return true
}

// flush half-closes the stream and waits for the relay to finish reading it.
// The relay stores every deposit it reads before ending the stream.
func (s *Session) flush() {
	if s.conn == nil {
		return
	}
	if err := s.conn.stream.CloseSend(); err != nil {
		s.log.Debug("close send", zap.Error(err))
		return
	}
	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.conn.recvDone:
			return
		case ev := <-s.events:
			if ev.conn != nil && ev.conn != s.conn {
				ev.conn.close()
			}
		case <-timer.C:
			s.log.Warn("relay did not end stream before close timeout", zap.Duration("timeout", s.cfg.CloseTimeout))
			return
		}
	}
}

func (s *Session) teardown() {
	s.gen++
	if s.conn != nil {
		s.conn.close()
		s.conn = nil
	}
	s.active = nil
	s.publishTopics()
	s.reasm.Reset()
	s.metrics.SetPending(0)
}

// refreshTopics keeps exactly the current and next topics joined, leaving
// any that rolled out of the window.
func (s *Session) refreshTopics() {
	current, next := s.scheme.Pair()
	keep := make([]string, 0, 2)
	for _, topic := range s.active {
		if topic == current || topic == next {
			keep = append(keep, topic)
			continue
		}
		if err := s.conn.stream.Send(&wire.Frame{Leave: &wire.Leave{TopicID: topic}}); err != nil {
			s.log.Debug("leave topic", zap.Error(err))
		}
	}
	for _, topic := range []string{current, next} {
		if contains(keep, topic) {
			continue
		}
		if err := s.conn.stream.Send(&wire.Frame{Join: &wire.Join{TopicID: topic}}); err != nil {
			s.log.Debug("join topic", zap.Error(err))
			continue
		}
		keep = append(keep, topic)
	}
	s.active = keep
	s.publishTopics()
}

func (s *Session) send(msg Message) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	msg.fill(s.cfg.Now())
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	envelope, err := s.cfg.Cipher.Encrypt(s.cfg.Secret, raw)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}

	shards := [][]byte{envelope}
	chunked := len(envelope) >= s.cfg.ChunkSize
	if chunked {
		packets := Split(envelope, s.cfg.ChunkSize, uuid.NewString())
		shards = make([][]byte, 0, len(packets))
		for _, p := range packets {
			enc, err := encodePacket(p)
			if err != nil {
				return fmt.Errorf("encode chunk: %w", err)
			}
			shards = append(shards, enc)
		}
	}
	for _, shard := range shards {
		if len(shard) > s.cfg.MaxShardBytes {
			return ErrOversize
		}
	}

	topic := s.scheme.Current()
	for _, shard := range shards {
		if err := s.conn.stream.Send(&wire.Frame{Deposit: &wire.Deposit{TopicID: topic, Shard: shard}}); err != nil {
			return fmt.Errorf("deposit shard: %w", err)
		}
	}
	s.metrics.RecordShardsSent(len(shards))
	if chunked {
		s.emitStatus(StatusSentChunks)
	} else {
		s.emitStatus(StatusSent)
	}
	return nil
}

func (s *Session) handleSwarm(swarm *wire.Swarm) {
	for _, item := range swarm.Shards {
		s.metrics.RecordShardReceived()
		ack := wire.Ack{TopicID: swarm.TopicID, ShardID: item.ID}
		msg, ok := s.process(item.Data)
		if fn := s.cfg.OnMessage; ok && fn != nil {
			s.notes.push(func() {
				fn(msg)
				s.postAck(ack)
			})
			continue
		}
		s.sendAck(ack)
	}
}

func (s *Session) sendAck(ack wire.Ack) {
	if s.conn == nil {
		return
	}
	if err := s.conn.stream.Send(&wire.Frame{Ack: &ack}); err != nil {
		s.log.Debug("ack shard", zap.Error(err))
	}
}

// postAck hands an acknowledgement back to the loop once the application has
// seen the message.
func (s *Session) postAck(ack wire.Ack) {
	select {
	case s.acks <- ack:
	case <-s.done:
	}
}

// process returns the message a shard completes, if any.
func (s *Session) process(data []byte) (Message, bool) {
	if s.dedup.Seen(data) {
		s.metrics.RecordDuplicate()
		return Message{}, false
	}
	pkt, ok := decodePacket(data)
	if !ok {
		return s.open(data)
	}
	envelope, complete, err := s.reasm.Add(pkt, s.cfg.Now())
	s.metrics.SetPending(s.reasm.Pending())
	if err != nil {
		s.log.Debug("drop chunk", zap.Error(err))
		return Message{}, false
	}
	if !complete {
		return Message{}, false
	}
	return s.open(envelope)
}

// open decrypts and decodes an envelope. Envelopes that do not open under
// this secret are dropped silently.
func (s *Session) open(envelope []byte) (Message, bool) {
	raw, err := s.cfg.Cipher.Decrypt(s.cfg.Secret, envelope)
	if err != nil {
		s.metrics.RecordDecryptDrop()
		s.log.Debug("drop undecryptable envelope", zap.Int("bytes", len(envelope)))
		return Message{}, false
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		s.metrics.RecordDecryptDrop()
		s.log.Debug("drop undecodable message", zap.Error(err))
		return Message{}, false
	}
	if msg.Expired(s.cfg.Now()) {
		return Message{}, false
	}
	s.metrics.RecordDelivered()
	return msg, true
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	s.emitStatus(st)
}

func (s *Session) emitStatus(st Status) {
	if fn := s.cfg.OnStatus; fn != nil {
		s.notes.push(func() { fn(st) })
	}
}

func (s *Session) publishTopics() {
	s.mu.Lock()
	s.topics = append(s.topics[:0:0], s.active...)
	s.mu.Unlock()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
