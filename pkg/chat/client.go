// Package chat implements the account and conversation flows of the
// kyberchat client on top of the session tunnel and the end-to-end layer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/e2e"
	"github.com/pzverkov/kyberchat/pkg/keystore"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

var (
	// ErrEmptyCredentials is returned when a username or password is blank.
	ErrEmptyCredentials = errors.New("chat: username and password are required")

	// ErrNotLoggedIn is returned by conversation operations before Login or
	// Register succeeded on the current connection.
	ErrNotLoggedIn = errors.New("chat: not logged in")

	// ErrEmptyMessage is returned when a message text is blank.
	ErrEmptyMessage = errors.New("chat: empty message")
)

// AuthError is a registration or login rejected by the server.
type AuthError struct {
	Kind   protocol.Kind
	Reason string
}

func (e *AuthError) Error() string {
	op := "login"
	if e.Kind == protocol.KindRegisterRequest {
		op = "register"
	}
	return fmt.Sprintf("chat: %s rejected: %s", op, e.Reason)
}

// Config configures a Client.
type Config struct {
	// Address is the server host:port.
	Address string

	Tunnel tunnel.Config
	Store  keystore.Store

	// ResponseTimeout bounds the wait for a login or register response.
	ResponseTimeout time.Duration

	Collector *metrics.Collector
	Tracer    metrics.Tracer
	Logger    *metrics.Logger
}

// Client holds one server connection at a time and the user logged in on it.
type Client struct {
	cfg       Config
	store     keystore.Store
	collector *metrics.Collector
	tracer    metrics.Tracer
	logger    *metrics.Logger

	mu      sync.Mutex
	session *tunnel.Session
	layer   *e2e.Layer
	user    *protocol.User
}

// NewClient creates a Client. Nothing is dialed until Connect, Register or Login.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("chat: server address is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("chat: nil key store")
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = constants.DefaultResponseTimeout
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = metrics.GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = metrics.GetLogger()
	}
	if cfg.Tunnel.Logger == nil {
		cfg.Tunnel.Logger = cfg.Logger
	}
	return &Client{
		cfg:       cfg,
		store:     cfg.Store,
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger.Named("chat"),
	}, nil
}

// Connect closes any current connection and opens a new secure session.
// The previous login does not carry over.
func (c *Client) Connect(ctx context.Context) (err error) {
	ctx, end := c.tracer.StartSpan(ctx, metrics.SpanConnect, metrics.WithAttribute(metrics.AttrRemoteAddr, c.cfg.Address))
	defer func() { end(err) }()

	c.mu.Lock()
	old := c.session
	c.session, c.layer, c.user = nil, nil, nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	s, err := tunnel.Dial(ctx, c.cfg.Address, c.cfg.Tunnel)
	if err != nil {
		return err
	}
	layer, err := e2e.New(e2e.Config{
		Store:     c.store,
		Sender:    s,
		Collector: c.collector,
		Tracer:    c.tracer,
		Logger:    c.cfg.Logger,
	})
	if err != nil {
		_ = s.Close()
		return err
	}

	c.mu.Lock()
	c.session, c.layer = s, layer
	c.mu.Unlock()

	c.logger.Info("connected", metrics.Fields{"address": c.cfg.Address, "tunnel": s.KeyFingerprint()})
	return nil
}

// Register creates an account on a fresh connection and logs it in.
func (c *Client) Register(ctx context.Context, username, password string) (*protocol.User, error) {
	return c.authenticate(ctx, protocol.KindRegisterRequest, protocol.KindRegisterResponse, username, password)
}

// Login authenticates on a fresh connection.
func (c *Client) Login(ctx context.Context, username, password string) (*protocol.User, error) {
	return c.authenticate(ctx, protocol.KindLoginRequest, protocol.KindLoginResponse, username, password)
}

func (c *Client) authenticate(ctx context.Context, req, resp protocol.Kind, username, password string) (*protocol.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, ErrEmptyCredentials
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	s := c.Session()

	env, err := protocol.NewEnvelope(req, protocol.NoUser, protocol.AuthRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ResponseTimeout)
	defer cancel()
	rctx, end := c.tracer.StartSpan(rctx, metrics.SpanRequest, metrics.WithAttribute(metrics.AttrKind, string(req)))
	reply, err := s.Request(rctx, env, resp)
	end(err)
	if err != nil {
		if errors.Is(err, qerrors.ErrTimeout) {
			c.collector.RecordResponseTimeout()
		}
		return nil, fmt.Errorf("chat: await %s: %w", resp, err)
	}

	p, err := reply.Decode()
	if err != nil {
		return nil, err
	}
	ar := p.(protocol.AuthResponse)
	if ar.User == nil {
		c.logger.Warn("authentication rejected", metrics.Fields{"kind": string(req), "user": username})
		return nil, &AuthError{Kind: req, Reason: ar.Error}
	}

	s.SetUserID(ar.User.ID)
	c.mu.Lock()
	c.user = ar.User
	c.mu.Unlock()
	c.logger.Info("authenticated", metrics.Fields{"user": ar.User.Username, "id": ar.User.ID})
	return ar.User, nil
}

// Session returns the current session, or nil before Connect.
func (c *Client) Session() *tunnel.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// User returns the logged in user, or nil.
func (c *Client) User() *protocol.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Conversation returns a handle on chatID for the logged in user. Call
// Enter on it to start receiving.
func (c *Client) Conversation(chatID int64) (*Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.user == nil {
		return nil, ErrNotLoggedIn
	}
	return newConversation(chatID, c.session, c.layer, c.tracer, c.logger), nil
}

// Close closes the current connection. The key store stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.session
	c.session, c.layer, c.user = nil, nil, nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
