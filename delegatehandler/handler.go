// Package delegatehandler implements the MCPL Delegate Handler: the
// per-connection orchestrator that authenticates a delegate, negotiates the
// Reliable Channel, and dispatches every MCPL message type to the runtime's
// subsystem managers.
package delegatehandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/mcpl/channel"
	"goa.design/mcpl/delegatemgr"
	"goa.design/mcpl/hooks"
	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/session"
	"goa.design/mcpl/telemetry"
	"goa.design/mcpl/toolregistry"
)

// ConnectionSetupTimeout bounds how long a delegate has to send mcpl/hello
// after a successful auth handshake.
const ConnectionSetupTimeout = 15 * time.Second

var (
	// ErrDuplicateConnection is returned (and closes with code 4001) when a
	// (userId, delegateId) pair is already connected.
	ErrDuplicateConnection = errors.New("delegatehandler: delegate already connected")
	// ErrInvalidDelegateID is returned when the connection URL's delegateId
	// fails validation.
	ErrInvalidDelegateID = errors.New("delegatehandler: invalid delegateId")
	// ErrAuthFailed is returned when neither credential resolves a user.
	ErrAuthFailed = errors.New("delegatehandler: authentication failed")
	// ErrHelloTimeout is returned when mcpl/hello never arrives.
	ErrHelloTimeout = errors.New("delegatehandler: timed out waiting for mcpl/hello")
)

// Authenticator resolves a connecting delegate's userId from its connection
// credentials. The API-key path is preferred over the bearer token when a
// caller supplies both.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) (userID string, err error)
	AuthenticateAPIKey(ctx context.Context, apiKey string) (userID string, err error)
}

// ConnectParams is the parsed connection URL query string.
type ConnectParams struct {
	Token      string
	APIKey     string
	DelegateID string
}

// ToolInstaller installs and removes a delegate's advertised tool manifest,
// returning toolset hash transitions for audit logging.
type ToolInstaller interface {
	RegisterDelegateTools(userID, delegateID string, tools []*toolregistry.Tool) (newHash, prevHash string, err error)
	UnregisterDelegateTools(userID, delegateID string) (newHash string)
}

type activeKey struct{ userID, delegateID string }

// connection holds the state of one physical connection across its raw and
// framed phases. It implements delegatemgr.Sender directly: before
// mcpl/hello, sends go straight to the transport; afterward, through the
// Reliable Channel.
type connection struct {
	mu         sync.Mutex
	transport  channel.Transport
	ch         *channel.Channel
	userID     string
	delegateID string
	sessionID  string
	sess       *session.Session
}

func (c *connection) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	ch := c.ch
	t := c.transport
	c.mu.Unlock()
	if ch != nil {
		return ch.Send(ctx, payload)
	}
	return t.WriteMessage(ctx, payload)
}

func (c *connection) setChannel(ch *channel.Channel) {
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
}

// Handler orchestrates delegate connections end to end, wiring them to the
// Session Manager, Delegate Manager, Tool Registry, and Hook Manager.
type Handler struct {
	mu     sync.Mutex
	active map[activeKey]*connection

	auth      Authenticator
	sessions  *session.Store
	delegates *delegatemgr.Manager
	tools     ToolInstaller
	hookMgr   *hooks.Manager
	routes    Router

	obs *observability.Recorder
}

// Router dispatches a framed MCPL payload (after mcpl/hello) or a raw legacy
// message (before it) to the subsystem that owns its message type.
type Router interface {
	Route(ctx context.Context, conn *Conn, messageType string, raw json.RawMessage)
}

// Conn is the subset of connection state exposed to a Router implementation.
type Conn struct {
	UserID     string
	DelegateID string
	SessionID  string
	Session    *session.Session
	Send       func(ctx context.Context, payload any) error
}

// New constructs a Handler. routes may be nil, in which case every dispatched
// message is a no-op (useful for tests exercising only the connection
// lifecycle).
func New(auth Authenticator, sessions *session.Store, delegates *delegatemgr.Manager, tools ToolInstaller, hookMgr *hooks.Manager, routes Router, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Handler {
	return &Handler{
		active:    make(map[activeKey]*connection),
		auth:      auth,
		sessions:  sessions,
		delegates: delegates,
		tools:     tools,
		hookMgr:   hookMgr,
		routes:    routes,
		obs:       observability.New("delegatehandler", logger, metrics, tracer),
	}
}

func (h *Handler) authenticate(ctx context.Context, params ConnectParams) (string, error) {
	if params.APIKey != "" {
		return h.auth.AuthenticateAPIKey(ctx, params.APIKey)
	}
	if params.Token != "" {
		return h.auth.AuthenticateToken(ctx, params.Token)
	}
	return "", ErrAuthFailed
}

// HandleConnection runs the full per-connection orchestration (spec §4.10
// steps 1-7) and blocks until the connection closes.
func (h *Handler) HandleConnection(ctx context.Context, transport channel.Transport, params ConnectParams) error {
	if err := toolregistry.ValidateDelegateID(params.DelegateID); err != nil {
		_ = transport.Close("1008")
		return ErrInvalidDelegateID
	}

	userID, err := h.authenticate(ctx, params)
	if err != nil {
		_ = transport.WriteMessage(ctx, map[string]any{"type": "delegate_auth_result", "success": false, "error": err.Error()})
		_ = transport.Close("1008")
		return ErrAuthFailed
	}

	key := activeKey{userID: userID, delegateID: params.DelegateID}
	h.mu.Lock()
	if _, exists := h.active[key]; exists {
		h.mu.Unlock()
		_ = transport.Close("4001")
		return ErrDuplicateConnection
	}
	sessionID := fmt.Sprintf("sess_%s", uuid.NewString())
	conn := &connection{transport: transport, userID: userID, delegateID: params.DelegateID, sessionID: sessionID}
	h.active[key] = conn
	h.mu.Unlock()

	_ = transport.WriteMessage(ctx, map[string]any{
		"type": "delegate_auth_result", "success": true, "userId": userID, "sessionId": sessionID,
	})
	h.delegates.Register(ctx, sessionID, params.DelegateID, userID, conn)

	defer h.teardown(ctx, key, conn)

	done := make(chan error, 1)
	if err := h.waitForHello(ctx, conn, done); err != nil {
		return err
	}

	return <-done
}

type helloMessage struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    []session.Capability  `json:"capabilities"`
	DelegateID      string                `json:"delegateId"`
	DelegateName    string                `json:"delegateName"`
	SessionID       string                `json:"sessionId"`
	LastReceivedSeq uint64                `json:"lastReceivedSeq"`
}

// waitForHello reads raw (unframed) messages until mcpl/hello arrives,
// dispatching anything else through the router's legacy path. Once hello is
// seen, it installs the Reliable Channel, attaches the dispatcher, sends
// mcpl/ack, and replays buffered frames — then launches the channel's read
// loop and wires done to its close.
func (h *Handler) waitForHello(ctx context.Context, conn *connection, done chan<- error) error {
	setupCtx, cancel := context.WithTimeout(ctx, ConnectionSetupTimeout)
	defer cancel()

	for {
		raw, err := conn.transport.ReadMessage(setupCtx)
		if err != nil {
			done <- err
			return err
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if envelope.Type != "mcpl/hello" {
			h.route(ctx, conn, envelope.Type, raw)
			continue
		}

		var hello helloMessage
		_ = json.Unmarshal(raw, &hello)
		h.onHello(ctx, conn, hello, done)
		return nil
	}
}

func (h *Handler) onHello(ctx context.Context, conn *connection, hello helloMessage, done chan<- error) {
	resumed := false
	var sess *session.Session
	if hello.SessionID != "" {
		if existing, err := h.sessions.Resume(ctx, hello.SessionID, conn.userID); err == nil {
			sess = existing
			resumed = true
		}
	}
	if sess == nil {
		sess = session.NewSession(conn.sessionID, conn.userID, conn.delegateID, hello.ProtocolVersion, hello.Capabilities)
		h.sessions.Put(sess)
	}
	conn.sess = sess

	dispatcher := &frameDispatcher{h: h, conn: conn}
	ch := channel.New(conn.transport, dispatcher)
	if resumed {
		if state, ok := sess.GetReliableState(); ok {
			ch.RestoreState(state)
		}
	}
	// The dispatcher must be attached (channel constructed and handed to
	// Run) before mcpl/ack is sent, or replies to replayed requests would
	// have nowhere to land.
	conn.setChannel(ch)
	ch.OnClose(func(err error) { done <- err })
	go func() { _ = ch.Run(ctx) }()

	ack := map[string]any{
		"type":                   "mcpl/ack",
		"sessionId":              sess.ID,
		"negotiatedCapabilities": sess.NegotiatedCapabilityList(),
		"featureSets":            sess.FeatureSets(),
	}
	if resumed {
		ack["resumedFromSeq"] = hello.LastReceivedSeq
	}
	_ = ch.Send(ctx, ack)

	if resumed {
		_ = ch.ResendBufferedAfter(ctx, hello.LastReceivedSeq)
	}

	h.obs.Log(ctx, observability.Event{Operation: "hello", Subject: conn.delegateID, Outcome: observability.OutcomeSuccess})
}

// frameDispatcher adapts Handler.route to channel.Handler.
type frameDispatcher struct {
	h    *Handler
	conn *connection
}

func (d *frameDispatcher) HandleFrame(ctx context.Context, payload json.RawMessage) error {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	d.h.route(ctx, d.conn, envelope.Type, payload)
	return nil
}

func (d *frameDispatcher) HandleLegacy(ctx context.Context, msg json.RawMessage) error {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return err
	}
	d.h.route(ctx, d.conn, envelope.Type, msg)
	return nil
}

func (h *Handler) route(ctx context.Context, conn *connection, messageType string, raw json.RawMessage) {
	if h.routes == nil {
		return
	}
	h.routes.Route(ctx, &Conn{
		UserID:     conn.userID,
		DelegateID: conn.delegateID,
		SessionID:  conn.sessionID,
		Session:    conn.sess,
		Send:       conn.Send,
	}, messageType, raw)
}

// teardown implements step 7: save channel state, unregister from the
// Delegate Manager, drop the delegate from the active-connection table, and
// remove its tools — unless a replacement connection for the same
// (userId, delegateId) is already live, in which case that connection's
// Register call has already superseded this one's tools and removing them
// here would drop the reconnecting delegate's tools out from under it.
func (h *Handler) teardown(ctx context.Context, key activeKey, conn *connection) {
	conn.mu.Lock()
	ch := conn.ch
	sess := conn.sess
	conn.mu.Unlock()

	if ch != nil && sess != nil {
		sess.SaveReliableState(ch.GetState())
	}

	h.delegates.Unregister(ctx, conn.sessionID)

	h.mu.Lock()
	superseded := h.active[key] != conn
	if !superseded {
		delete(h.active, key)
	}
	h.mu.Unlock()

	if !superseded && h.tools != nil {
		h.tools.UnregisterDelegateTools(conn.userID, conn.delegateID)
	}

	h.obs.Log(ctx, observability.Event{Operation: "disconnect", Subject: conn.delegateID, Outcome: observability.OutcomeSuccess})
}
