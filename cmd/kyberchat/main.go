// Command kyberchat is a terminal client for the kyberchat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pzverkov/kyberchat/internal/config"
	"github.com/pzverkov/kyberchat/pkg/chat"
	"github.com/pzverkov/kyberchat/pkg/keystore"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
	"github.com/pzverkov/kyberchat/pkg/version"
)

// flags override the configuration file.
type flags struct {
	configPath  string
	server      string
	logLevel    string
	logFormat   string
	metricsAddr string
	tracing     string
	cipher      string
	inMemory    bool
}

// app is the state shared by every command.
type app struct {
	cfg       *config.Config
	logger    *metrics.Logger
	collector *metrics.Collector
	tracer    metrics.Tracer
	exporter  *metrics.PrometheusExporter

	store      keystore.Store
	closeStore func() error
	stopServe  context.CancelFunc
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		f flags
		a = &app{}
	)

	root := &cobra.Command{
		Use:           "kyberchat",
		Short:         "Post-quantum end-to-end encrypted chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd.Context(), &f)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "TOML configuration file")
	pf.StringVar(&f.server, "server", "", "chat server host:port")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error, silent")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.StringVar(&f.tracing, "tracing", "", "tracing: none, simple, otel (requires -tags otel)")
	pf.StringVar(&f.cipher, "cipher", "", "tunnel cipher suite: aes-gcm or chacha20")
	pf.BoolVar(&f.inMemory, "in-memory-keys", false, "keep conversation keys in memory only")

	root.AddCommand(
		registerCmd(a),
		loginCmd(a),
		chatCmd(a),
		keysCmd(a),
		benchCmd(a),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}

func (a *app) setup(ctx context.Context, f *flags) error {
	cfg := new(config.Config)
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return err
		}
	}
	if f.server != "" {
		cfg.Server.Address = f.server
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Address = f.metricsAddr
	}
	if f.tracing != "" {
		cfg.Metrics.Tracing = f.tracing
	}
	if f.cipher != "" {
		cfg.Tunnel.CipherSuite = f.cipher
	}
	if f.inMemory {
		cfg.KeyStore.InMemory = true
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return err
	}
	if cfg.Metrics.Tracing == config.TracingOTel && !metrics.OTelEnabled() {
		return errors.New("otel tracing not enabled (build with -tags otel)")
	}
	a.cfg = cfg

	a.logger = cfg.NewLogger().With(metrics.Fields{"app": "kyberchat"})
	metrics.SetLogger(a.logger)
	a.tracer = cfg.NewTracer()
	metrics.SetTracer(a.tracer)
	a.collector = metrics.NewCollector(metrics.Labels{"service": "kyberchat"})
	metrics.SetGlobal(a.collector)
	a.exporter = metrics.NewPrometheusExporter(a.collector, cfg.Metrics.Namespace)

	if cfg.Metrics.Address != "" {
		if ctx == nil {
			ctx = context.Background()
		}
		serveCtx, stop := context.WithCancel(ctx)
		a.stopServe = stop
		go func() {
			if err := metrics.ListenAndServe(serveCtx, cfg.Metrics.Address, metrics.NewMux(a.exporter)); err != nil {
				a.logger.Error("metrics server failed", metrics.ErrorField(err))
			}
		}()
		a.logger.Info("serving metrics", metrics.Fields{"address": cfg.Metrics.Address})
	}
	return nil
}

// keyStore opens the configured key store on first use.
func (a *app) keyStore() (keystore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, closeStore, err := a.cfg.OpenKeyStore(a.logger)
	if err != nil {
		return nil, err
	}
	a.store, a.closeStore = store, closeStore
	return store, nil
}

func (a *app) teardown() error {
	if a.stopServe != nil {
		a.stopServe()
	}
	if a.closeStore != nil {
		return a.closeStore()
	}
	return nil
}

// tunnelConfig returns the session configuration with per-session observers.
func (a *app) tunnelConfig() tunnel.Config {
	tc := a.cfg.TunnelConfig(a.logger)
	tc.ObserverFactory = func(remote string) tunnel.Observer {
		return metrics.NewSessionObserver(metrics.SessionObserverConfig{
			Collector: a.collector,
			Tracer:    a.tracer,
			Logger:    a.logger,
			Remote:    remote,
		})
	}
	return tc
}

func (a *app) newClient() (*chat.Client, error) {
	store, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	return chat.NewClient(chat.Config{
		Address:         a.cfg.Server.Address,
		Tunnel:          a.tunnelConfig(),
		Store:           store,
		ResponseTimeout: a.cfg.Tunnel.ResponseTimeout.Duration,
		Collector:       a.collector,
		Tracer:          a.tracer,
		Logger:          a.logger,
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
