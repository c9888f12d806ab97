// Package config implements the kyberchat client configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pzverkov/kyberchat/internal/constants"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/keystore"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

const (
	defaultAddress       = "127.0.0.1:5000"
	defaultPassphraseEnv = "KYBERCHAT_PASSPHRASE"
	defaultKeyFile       = "keys.db"

	// Tracing backends.
	TracingNone   = "none"
	TracingSimple = "simple"
	TracingOTel   = "otel"
)

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Server is the chat server endpoint.
type Server struct {
	// Address is host:port of the chat server.
	Address string
}

// Tunnel configures the session tunnel.
type Tunnel struct {
	HandshakeTimeout Duration
	WriteTimeout     Duration
	DialTimeout      Duration
	ResponseTimeout  Duration
	WriteQueueSize   int

	// CipherSuite is "aes-gcm" or "chacha20". Empty selects the preferred
	// suite for the build.
	CipherSuite string
}

func (t *Tunnel) fixup() error {
	if t.HandshakeTimeout.Duration == 0 {
		t.HandshakeTimeout.Duration = constants.DefaultHandshakeTimeout
	}
	if t.WriteTimeout.Duration == 0 {
		t.WriteTimeout.Duration = constants.DefaultWriteTimeout
	}
	if t.DialTimeout.Duration == 0 {
		t.DialTimeout.Duration = constants.DefaultDialTimeout
	}
	if t.ResponseTimeout.Duration == 0 {
		t.ResponseTimeout.Duration = constants.DefaultResponseTimeout
	}
	if t.WriteQueueSize == 0 {
		t.WriteQueueSize = constants.DefaultWriteQueueSize
	}

	for name, d := range map[string]time.Duration{
		"HandshakeTimeout": t.HandshakeTimeout.Duration,
		"WriteTimeout":     t.WriteTimeout.Duration,
		"DialTimeout":      t.DialTimeout.Duration,
		"ResponseTimeout":  t.ResponseTimeout.Duration,
	} {
		if d < 0 {
			return fmt.Errorf("config: Tunnel.%s is negative: %v", name, d)
		}
	}
	if t.WriteQueueSize < 0 {
		return fmt.Errorf("config: Tunnel.WriteQueueSize is negative: %d", t.WriteQueueSize)
	}
	if t.CipherSuite != "" {
		suite := constants.ParseCipherSuite(t.CipherSuite)
		if suite == 0 || !crypto.IsSuiteAvailable(suite) {
			return fmt.Errorf("config: Tunnel.CipherSuite %q is not available", t.CipherSuite)
		}
	}
	return nil
}

// KeyStore configures where conversation keys are kept.
type KeyStore struct {
	// Path is the bbolt database file.
	Path string

	// Passphrase unlocks the store. When empty it is read from the
	// environment variable named by PassphraseEnv.
	Passphrase    string
	PassphraseEnv string

	// InMemory keeps keys only for the lifetime of the process.
	InMemory bool
}

func (k *KeyStore) fixup() error {
	if k.InMemory {
		return nil
	}
	if k.PassphraseEnv == "" {
		k.PassphraseEnv = defaultPassphraseEnv
	}
	if k.Path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("config: KeyStore.Path not set and no user config dir: %w", err)
		}
		k.Path = filepath.Join(dir, "kyberchat", defaultKeyFile)
	}
	return nil
}

// Logging configures the logger.
type Logging struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string

	// Format is "text" or "json".
	Format string

	Color bool
}

func (l *Logging) fixup() error {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	switch strings.ToUpper(l.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "SILENT":
	default:
		return fmt.Errorf("config: Logging.Level %q is not a log level", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: Logging.Format %q is not text or json", l.Format)
	}
	return nil
}

// Metrics configures the Prometheus endpoint and tracing.
type Metrics struct {
	// Address serves /metrics when set, for example "127.0.0.1:9464".
	Address string

	// Namespace prefixes every metric name.
	Namespace string

	// Tracing is "none", "simple" or "otel".
	Tracing string
}

func (m *Metrics) fixup() error {
	if m.Namespace == "" {
		m.Namespace = metrics.DefaultNamespace
	}
	if m.Tracing == "" {
		m.Tracing = TracingNone
	}
	switch m.Tracing {
	case TracingNone, TracingSimple, TracingOTel:
	default:
		return fmt.Errorf("config: Metrics.Tracing %q is not none, simple or otel", m.Tracing)
	}
	return nil
}

// Config is the top level client configuration.
type Config struct {
	Server   *Server
	Tunnel   *Tunnel
	KeyStore *KeyStore
	Logging  *Logging
	Metrics  *Metrics
}

// FixupAndValidate applies defaults to missing sections and values and
// rejects invalid ones.
func (c *Config) FixupAndValidate() error {
	if c.Server == nil {
		c.Server = &Server{}
	}
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	if c.Tunnel == nil {
		c.Tunnel = &Tunnel{}
	}
	if c.KeyStore == nil {
		c.KeyStore = &KeyStore{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	return errors.Join(
		c.Tunnel.fixup(),
		c.KeyStore.fixup(),
		c.Logging.fixup(),
		c.Metrics.fixup(),
	)
}

// LoadBytes parses and validates b as a config file body.
func LoadBytes(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadBytes(b)
}

// CipherSuite returns the configured tunnel suite, or the preferred one.
func (c *Config) CipherSuite() constants.CipherSuite {
	if c.Tunnel.CipherSuite == "" {
		return crypto.PreferredCipherSuite()
	}
	return constants.ParseCipherSuite(c.Tunnel.CipherSuite)
}

// TunnelConfig returns the session configuration.
func (c *Config) TunnelConfig(logger *metrics.Logger) tunnel.Config {
	return tunnel.Config{
		HandshakeTimeout: c.Tunnel.HandshakeTimeout.Duration,
		WriteTimeout:     c.Tunnel.WriteTimeout.Duration,
		DialTimeout:      c.Tunnel.DialTimeout.Duration,
		WriteQueueSize:   c.Tunnel.WriteQueueSize,
		CipherSuite:      c.CipherSuite(),
		Logger:           logger,
	}
}

// NewLogger builds the logger described by the Logging section.
func (c *Config) NewLogger() *metrics.Logger {
	return metrics.NewLogger(
		metrics.WithOutput(os.Stderr),
		metrics.WithLevel(metrics.ParseLevel(c.Logging.Level)),
		metrics.WithFormat(metrics.ParseFormat(c.Logging.Format)),
		metrics.WithColor(c.Logging.Color),
	)
}

// NewTracer returns the tracer selected by Metrics.Tracing.
func (c *Config) NewTracer() metrics.Tracer {
	switch c.Metrics.Tracing {
	case TracingSimple:
		return metrics.NewSimpleTracer()
	case TracingOTel:
		return metrics.NewOTelTracer("")
	default:
		return metrics.NoOpTracer{}
	}
}

// Passphrase returns the key store passphrase from the file or the environment.
func (c *Config) Passphrase() string {
	if c.KeyStore.Passphrase != "" {
		return c.KeyStore.Passphrase
	}
	return os.Getenv(c.KeyStore.PassphraseEnv)
}

// OpenKeyStore opens the configured key store. The returned close function
// releases it.
func (c *Config) OpenKeyStore(logger *metrics.Logger) (keystore.Store, func() error, error) {
	if c.KeyStore.InMemory {
		return keystore.NewMemoryStore(), func() error { return nil }, nil
	}
	pass := c.Passphrase()
	if pass == "" {
		return nil, nil, fmt.Errorf("config: key store passphrase not set (use KeyStore.Passphrase or $%s)", c.KeyStore.PassphraseEnv)
	}
	if err := os.MkdirAll(filepath.Dir(c.KeyStore.Path), 0o700); err != nil {
		return nil, nil, err
	}
	s, err := keystore.OpenBolt(c.KeyStore.Path, pass, keystore.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
