package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/saurav-z/aether-chat/internal/config"
	"github.com/saurav-z/aether-chat/internal/registry"
	"github.com/saurav-z/aether-chat/internal/store"
	"github.com/saurav-z/aether-chat/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// RelayServer wires dependencies and hosts the gRPC relay.
type RelayServer struct {
	cfg        config.Config
	log        *zap.Logger
	grpcServer *grpc.Server
	store      store.Store
	topics     registry.TopicRegistry
	adminHTTP  *http.Server
	metrics    *relayMetrics
	ready      atomic.Bool

	mu    sync.Mutex
	addr  net.Addr
	relay *RelayService
}

// NewRelayServer constructs a server. When st is nil the store is opened
// from cfg.Storage during Start.
func NewRelayServer(cfg config.Config, logger *zap.Logger, st store.Store) *RelayServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayServer{
		cfg:    cfg,
		log:    logger,
		store:  st,
		topics: registry.NewInMemory(cfg.Limits.MaxTopicsPerConn),
	}
}

// Start prepares the store, boots the gRPC server and blocks until shutdown.
// A store that cannot be initialised is returned as an error before any
// listener opens.
func (s *RelayServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if s.store == nil {
		st, err := store.Open(store.Config{
			Mode:          s.cfg.Storage.Mode,
			Path:          s.cfg.Storage.Path,
			TTL:           s.cfg.MessageTTL,
			SweepInterval: s.cfg.Storage.SweepInterval,
			RebuildExpiry: s.cfg.Storage.RebuildExpiry,
		}, s.log, store.NewMetrics(reg))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		s.store = st
	}
	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		_ = s.store.Close()
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()

	s.metrics = newRelayMetrics(reg)
	s.startAdminServer(reg)

	maxFrame := wire.MaxFrameSize(s.cfg.MaxShardBytes)
	grpcOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:              s.cfg.GRPC.KeepaliveTime,
			Timeout:           s.cfg.GRPC.KeepaliveTimeout,
			MaxConnectionIdle: s.cfg.GRPC.MaxConnectionIdle,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             s.cfg.GRPC.KeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(maxFrame),
		grpc.MaxSendMsgSize(maxFrame),
	}

	s.grpcServer = grpc.NewServer(grpcOpts...)
	relay := NewRelayService(s.log, s.store, s.topics, RelayOptions{
		Metrics:       s.metrics,
		MaxShardBytes: s.cfg.MaxShardBytes,
		DepositRate:   s.cfg.Limits.DepositRate,
		DepositBurst:  s.cfg.Limits.DepositBurst,
	})
	wire.RegisterRelayServer(s.grpcServer, relay)
	s.mu.Lock()
	s.relay = relay
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening",
		zap.String("address", lis.Addr().String()),
		zap.String("storage_mode", s.cfg.Storage.Mode),
		zap.Duration("ttl", s.cfg.MessageTTL))
	s.ready.Store(true)
	err = s.grpcServer.Serve(lis)
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}
	return nil
}

// Addr returns the bound relay address once Start has opened its listener.
func (s *RelayServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Connections reports the number of open client streams.
func (s *RelayServer) Connections() int {
	s.mu.Lock()
	relay := s.relay
	s.mu.Unlock()
	if relay == nil {
		return 0
	}
	return relay.Connections()
}

// Ready reports whether the relay is accepting streams.
func (s *RelayServer) Ready() bool {
	return s.ready.Load()
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           s.adminMux(reg),
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

func (s *RelayServer) adminMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	mux.Handle("/", s.statusHandler())
	return mux
}

type statusResponse struct {
	Status      string `json:"status"`
	StorageMode string `json:"storage_mode"`
	TTLSeconds  int64  `json:"ttl_seconds"`
	Connections int    `json:"connections"`
}

// statusHandler serves the public liveness document with CORS for the
// configured origin.
func (s *RelayServer) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "cross-origin")
		h.Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
		if s.cfg.AllowedOrigin != "*" {
			h.Add("Vary", "Origin")
		}

		switch r.Method {
		case http.MethodOptions:
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			h.Set("Allow", "GET, HEAD, OPTIONS")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		mode, err := store.NormalizeMode(s.cfg.Storage.Mode)
		if err != nil {
			mode = s.cfg.Storage.Mode
		}
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{
			Status:      "online",
			StorageMode: mode,
			TTLSeconds:  int64(s.cfg.MessageTTL.Seconds()),
			Connections: s.Connections(),
		})
	})
}

// Shutdown attempts a graceful stop before forcing termination, then closes
// the store.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
			s.log.Info("gRPC server stopped")
		case <-ctx.Done():
			s.log.Warn("graceful shutdown timed out; forcing stop")
			s.grpcServer.Stop()
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("close store", zap.Error(err))
		}
	}
}
