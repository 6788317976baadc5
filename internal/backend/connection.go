// Package backend implements the per-backend connection state machine and
// the pool that owns, restarts, and dispatches through every configured
// backend connection.
package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/5dlabs/toolman/internal/mcperr"
)

// State is one stage of a Connection's lifecycle.
type State int32

const (
	StateStarting State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RawTool is a tool exactly as a backend described it, before the catalog
// sanitizes its name and computes a prefix.
type RawTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolDiscoveryFunc is invoked every time a connection enters ready and
// repopulates its tool list, including on rediscovery after a restart. The
// catalog is the only subscriber in practice, but the backend package does
// not import it to keep the dependency order leaves-first.
type ToolDiscoveryFunc func(backendID string, tools []RawTool)

// OnStateChange is invoked on every state transition, primarily so the Pool
// can drive its restart scheduler without Connection knowing the Pool
// exists.
type OnStateChange func(backendID string, from, to State)

// Config describes one backend's identity and how to reach it. Exactly one
// of the transport-specific fields is meaningful, selected by Kind.
type Config struct {
	ID      string
	Kind    string // "stdio", "http", or "sse"
	Command string
	Args    []string
	Env     []string
	URL     string
	Headers map[string]string

	InitTimeout time.Duration
	CallTimeout time.Duration

	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}

func (c Config) initTimeout() time.Duration {
	if c.InitTimeout > 0 {
		return c.InitTimeout
	}
	return 45 * time.Second
}

func (c Config) callTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return 30 * time.Second
}

// Connection owns the degraded/failed/restart lifecycle around one
// mcp.ClientSession. The session itself (built fresh on every Start/restart
// attempt, since an mcp.Transport like CommandTransport wraps a one-shot
// process) handles framing, request correlation, and the initialize
// handshake; Connection adds the aggregator's own readiness state machine
// on top.
type Connection struct {
	id           string
	cfg          Config
	newTransport func() (mcp.Transport, error)
	client       *mcp.Client
	logger       *slog.Logger

	onDiscover    ToolDiscoveryFunc
	onStateChange OnStateChange

	mu         sync.Mutex
	session    *mcp.ClientSession
	state      atomic.Int32
	lastOK     time.Time
	lastFailed time.Time
}

// NewConnection constructs a Connection. newTransport is called fresh on
// every Start/restart attempt rather than once, since mcp.CommandTransport
// wraps a one-shot *exec.Cmd that cannot be reused across attempts.
func NewConnection(cfg Config, newTransport func() (mcp.Transport, error), onDiscover ToolDiscoveryFunc, onStateChange OnStateChange, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	impl := &mcp.Implementation{Name: cfg.ClientName, Version: cfg.ClientVersion}
	c := &Connection{
		id:            cfg.ID,
		cfg:           cfg,
		newTransport:  newTransport,
		client:        mcp.NewClient(impl, &mcp.ClientOptions{}),
		logger:        logger,
		onDiscover:    onDiscover,
		onStateChange: onStateChange,
	}
	c.state.Store(int32(StateStarting))
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.logger.Info("backend connection state change", "backend", c.id, "from", from, "to", to)
	if c.onStateChange != nil {
		c.onStateChange(c.id, from, to)
	}
}

// transition moves the state from->to only if it is still at from,
// reporting whether it won the race. Used where more than one goroutine
// can observe the same precondition and try to act on it concurrently.
func (c *Connection) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.logger.Info("backend connection state change", "backend", c.id, "from", from, "to", to)
	if c.onStateChange != nil {
		c.onStateChange(c.id, from, to)
	}
	return true
}

// Start brings the connection up through starting -> initializing -> ready.
// It is called both for the initial connect and for every restart attempt
// issued by the Pool.
func (c *Connection) Start(ctx context.Context) error {
	c.setState(StateStarting)

	tr, err := c.newTransport()
	if err != nil {
		c.setState(StateFailed)
		return mcperr.Wrap(mcperr.TransportFailed, "build transport", err).WithBackend(c.id)
	}

	c.setState(StateInitializing)

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.initTimeout())
	defer cancel()

	session, err := c.client.Connect(initCtx, tr, nil)
	if err != nil {
		c.setState(StateFailed)
		return mcperr.Wrap(mcperr.TransportFailed, "connect", err).WithBackend(c.id)
	}

	if err := c.discover(initCtx, session); err != nil {
		_ = session.Close()
		c.setState(StateFailed)
		return err
	}

	c.mu.Lock()
	c.session = session
	c.lastOK = timeNow()
	c.mu.Unlock()

	c.setState(StateReady)
	go c.monitor(session)
	return nil
}

// discover issues tools/list, following cursor-based pagination until the
// backend reports no more pages, and hands the raw tool records to the
// catalog's subscriber function. It runs both on first ready and on every
// rediscovery after a restart.
func (c *Connection) discover(ctx context.Context, session *mcp.ClientSession) error {
	var tools []RawTool
	cursor := ""
	for {
		result, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return mcperr.Wrap(mcperr.TransportFailed, "tools/list", err).WithBackend(c.id)
		}
		for _, t := range result.Tools {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				return mcperr.Wrap(mcperr.TransportFailed, "encode tool schema", err).WithBackend(c.id)
			}
			tools = append(tools, RawTool{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	// A backend legitimately offering zero tools is not an error.
	if c.onDiscover != nil {
		c.onDiscover(c.id, tools)
	}
	return nil
}

// monitor blocks until the session ends (transport failure, backend exit,
// or a deliberate Stop) and degrades the connection, supplementing the
// degrade triggered synchronously by a failing CallTool.
func (c *Connection) monitor(session *mcp.ClientSession) {
	err := session.Wait()
	if c.State() == StateStopped {
		return
	}
	if err != nil {
		c.logger.Warn("backend session ended", "backend", c.id, "error", err)
	}
	c.degrade(err)
}

// CallTool is the per-call contract invoked by the Pool. A single timeout
// never degrades the connection; write/read/transport errors do.
func (c *Connection) CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (*mcp.CallToolResult, error) {
	state := c.State()
	if state != StateReady {
		if state == StateInitializing {
			if !c.waitBriefly(ctx) {
				return nil, mcperr.New(mcperr.BackendUnavailable, "backend still initializing").WithBackend(c.id)
			}
		} else {
			return nil, mcperr.New(mcperr.BackendUnavailable, "backend is not ready").WithBackend(c.id)
		}
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil, mcperr.New(mcperr.BackendUnavailable, "backend session not established").WithBackend(c.id)
	}

	callCtx, cancel := withTimeout(ctx, timeout, c.cfg.callTimeout())
	defer cancel()

	var args any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, mcperr.Wrap(mcperr.InvalidParams, "decode arguments", err).WithBackend(c.id)
		}
	}

	result, err := session.CallTool(callCtx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			// Our own deadline elapsed, not the caller's or a transport fault.
			return nil, mcperr.New(mcperr.TimedOut, "backend call timed out").WithBackend(c.id)
		}
		c.degrade(err)
		return nil, mcperr.Wrap(mcperr.TransportFailed, "backend call failed", err).WithBackend(c.id)
	}

	c.mu.Lock()
	c.lastOK = timeNow()
	c.mu.Unlock()

	return result, nil
}

// waitBriefly gives an initializing connection a short grace period to
// reach ready before failing fast, per §4.3's "small grace period" rule.
func (c *Connection) waitBriefly(ctx context.Context) bool {
	const grace = 2 * time.Second
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if c.State() == StateReady {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return c.State() == StateReady
}

// degrade moves a ready connection to degraded and attempts exactly one
// reconnect; failure of that single attempt moves it to failed, where the
// Pool's restart scheduler takes over with exponential backoff. It is
// idempotent: both a failing CallTool and the monitor goroutine observing
// session.Wait() return can call it for the same underlying failure, and
// the ready->degraded transition is a CompareAndSwap so only the first of
// the two ever proceeds past it.
func (c *Connection) degrade(cause error) {
	if !c.transition(StateReady, StateDegraded) {
		return
	}
	c.mu.Lock()
	c.lastFailed = timeNow()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	c.logger.Warn("backend connection degraded", "backend", c.id, "cause", cause)

	if session != nil {
		_ = session.Close()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.initTimeout())
		defer cancel()
		if err := c.Start(ctx); err != nil {
			c.logger.Warn("backend recovery attempt failed", "backend", c.id, "error", err)
			c.setState(StateFailed)
		}
	}()
}

func (c *Connection) Stop(ctx context.Context) error {
	c.setState(StateStopped)
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func withTimeout(ctx context.Context, requested, fallback time.Duration) (context.Context, context.CancelFunc) {
	d := requested
	if d <= 0 {
		d = fallback
	}
	return context.WithTimeout(ctx, d)
}

// timeNow is a seam so tests could substitute a clock; today it is just
// time.Now, kept as a function so Connection's timestamp fields are never
// read as zero-value by accident in a future caller.
func timeNow() time.Time { return time.Now() }
