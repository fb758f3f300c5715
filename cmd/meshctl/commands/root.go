// Package commands implements the meshctl command tree: vault-backed identity
// and contact management plus send/listen over a relay.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/saurav-z/aether-chat/internal/logging"
	"github.com/saurav-z/aether-chat/internal/mesh"
	"github.com/saurav-z/aether-chat/internal/vault"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const connectTimeout = 15 * time.Second

type options struct {
	v      *viper.Viper
	logger *zap.Logger
}

func Execute() error {
	opts := &options{v: viper.New()}
	root := &cobra.Command{
		Use:          "meshctl",
		Short:        "Anonymous end-to-end encrypted messaging over a blind relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(opts.v.GetString("log-level"), "console")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	defaultVault := "vault.json"
	if dir, err := os.UserHomeDir(); err == nil {
		defaultVault = filepath.Join(dir, ".aether", "vault.json")
	}
	flags := root.PersistentFlags()
	flags.String("vault", defaultVault, "path to the sealed vault file")
	flags.StringP("passphrase", "p", "", "vault passphrase (or AETHER_VAULT_PASSPHRASE)")
	flags.String("relay", "127.0.0.1:3000", "relay gRPC address")
	flags.Bool("tls", false, "connect to the relay over TLS")
	flags.String("tls-ca", "", "PEM bundle used to verify the relay")
	flags.String("tls-server-name", "", "override the TLS server name")
	flags.String("log-level", "warn", "log level (debug|info|warn|error)")
	flags.String("metrics-address", "", "serve session metrics on this address while connected")

	opts.v.SetEnvPrefix("AETHER")
	opts.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	opts.v.AutomaticEnv()
	_ = opts.v.BindPFlags(flags)
	_ = opts.v.BindEnv("passphrase", "AETHER_VAULT_PASSPHRASE")

	root.AddCommand(identityCmd(opts), contactCmd(opts), sendCmd(opts), listenCmd(opts))
	return root.ExecuteContext(context.Background())
}

// openVault unlocks the vault, creating it first when create is set.
func (o *options) openVault(ctx context.Context, create bool) (*vault.Vault, error) {
	pass := o.v.GetString("passphrase")
	if pass == "" {
		return nil, errors.New("passphrase required (-p or AETHER_VAULT_PASSPHRASE)")
	}
	vt := vault.New(o.v.GetString("vault"))
	err := vt.Unlock(ctx, pass)
	switch {
	case err == nil:
		return vt, nil
	case errors.Is(err, vault.ErrNotInitialized) && create:
		if err := vt.Initialize(ctx, pass); err != nil {
			return nil, fmt.Errorf("initialize vault: %w", err)
		}
		o.logger.Info("created vault", zap.String("path", vt.Path()))
		return vt, nil
	case errors.Is(err, vault.ErrNotInitialized):
		return nil, fmt.Errorf("no vault at %s, run `meshctl identity init` first", vt.Path())
	default:
		return nil, err
	}
}

// meshConfig carries the relay flags into a session config.
func (o *options) meshConfig(alias string) mesh.Config {
	return mesh.Config{
		Address: o.v.GetString("relay"),
		TLS: mesh.TLSConfig{
			Enabled:    o.v.GetBool("tls"),
			CAPath:     o.v.GetString("tls-ca"),
			ServerName: o.v.GetString("tls-server-name"),
		},
		Log: o.logger.Named("mesh").With(zap.String("contact", alias)),
	}
}

// dial opens a mesh session for a contact's shared secret.
func (o *options) dial(ctx context.Context, c vault.Contact, onMessage func(mesh.Message), onStatus func(mesh.Status)) (*mesh.Session, func(), error) {
	cfg := o.meshConfig(c.Alias)
	cfg.Secret = c.SharedSecret
	cfg.OnMessage = onMessage
	cfg.OnStatus = onStatus

	stopMetrics := func() {}
	if addr := o.v.GetString("metrics-address"); addr != "" {
		reg := prometheus.NewRegistry()
		cfg.Metrics = mesh.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				o.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		stopMetrics = func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
	}

	session, err := mesh.Dial(ctx, cfg)
	if err != nil {
		stopMetrics()
		return nil, nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := session.WaitConnected(waitCtx); err != nil {
		_ = session.Close()
		stopMetrics()
		return nil, nil, fmt.Errorf("connect to relay %s: %w", cfg.Address, err)
	}
	return session, func() {
		_ = session.Close()
		stopMetrics()
	}, nil
}
