package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/5dlabs/toolman/internal/mcperr"
)

// Pool owns every configured backend's Connection, fans out startup and
// discovery in parallel, and schedules restarts with exponential backoff
// bounded by a circuit breaker so one flapping backend cannot starve the
// restart scheduler for the rest.
type Pool struct {
	logger     *slog.Logger
	onDiscover ToolDiscoveryFunc

	mu          sync.RWMutex
	connections map[string]*Connection
	recovery    map[string]*recoveryState

	// restartLimiter bounds how many restart attempts the pool issues per
	// unit time across *all* backends, so a thundering herd of failures
	// (e.g. a shared dependency going down) cannot saturate the scheduler.
	restartLimiter *rate.Limiter

	newTransport func(Config) (mcp.Transport, error)
}

// NewPool constructs an empty Pool. newTransport builds the concrete
// transport for a given backend Config; it is a constructor function
// rather than a hardcoded switch so tests can substitute fakes.
func NewPool(onDiscover ToolDiscoveryFunc, newTransport func(Config) (mcp.Transport, error), logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:         logger,
		onDiscover:     onDiscover,
		connections:    make(map[string]*Connection),
		recovery:       make(map[string]*recoveryState),
		restartLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 3),
		newTransport:   newTransport,
	}
}

// StartAll builds a Connection for every cfg and starts them concurrently.
// Total wall time is max(per-backend init time), not the sum, per §4.3's
// fan-out discovery requirement. It returns once every backend has either
// reached ready or failed; failures do not stop the others and are instead
// handed to the restart scheduler.
func (p *Pool) StartAll(ctx context.Context, cfgs []Config) {
	var wg sync.WaitGroup
	for _, cfg := range cfgs {
		cfg := cfg
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.addAndStart(ctx, cfg)
		}()
	}
	wg.Wait()
}

func (p *Pool) addAndStart(ctx context.Context, cfg Config) {
	newTransport := func() (mcp.Transport, error) { return p.newTransport(cfg) }
	conn := NewConnection(cfg, newTransport, p.onDiscover, p.onFailed, p.logger)

	p.mu.Lock()
	p.connections[cfg.ID] = conn
	p.recovery[cfg.ID] = newRecoveryState()
	p.mu.Unlock()

	if err := conn.Start(ctx); err != nil {
		p.logger.Warn("initial backend start failed", "backend", cfg.ID, "error", err)
	}
}

// onFailed is wired as the Connection's OnStateChange callback and drives
// the restart scheduler whenever a connection lands in failed.
func (p *Pool) onFailed(backendID string, from, to State) {
	if to != StateFailed {
		return
	}
	p.mu.RLock()
	rs := p.recovery[backendID]
	conn := p.connections[backendID]
	p.mu.RUnlock()
	if rs == nil || conn == nil {
		return
	}
	if rs.recordFailureAndCheckBreaker() {
		p.logger.Warn("circuit breaker open, deferring restart", "backend", backendID)
		go p.scheduleBreakerReset(backendID, rs)
		return
	}
	delay := rs.nextBackoff()
	go p.restartAfter(backendID, conn, delay)
}

func (p *Pool) restartAfter(backendID string, conn *Connection, delay time.Duration) {
	time.Sleep(delay)
	if err := p.restartLimiter.Wait(context.Background()); err != nil {
		return
	}
	p.logger.Info("restarting backend", "backend", backendID, "after", delay)
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		p.logger.Warn("restart attempt failed", "backend", backendID, "error", err)
	} else {
		p.mu.RLock()
		rs := p.recovery[backendID]
		p.mu.RUnlock()
		if rs != nil {
			rs.recordSuccess()
		}
	}
}

func (p *Pool) scheduleBreakerReset(backendID string, rs *recoveryState) {
	time.Sleep(rs.breakerResetWindow())
	rs.resetBreaker()
	p.mu.RLock()
	conn := p.connections[backendID]
	p.mu.RUnlock()
	if conn != nil {
		go p.restartAfter(backendID, conn, 0)
	}
}

// CallTool dispatches one tools/call to backendID, delegating to its
// Connection. An unknown backend id is itself a backend_unavailable error
// rather than a panic or a nil Connection dereference.
func (p *Pool) CallTool(ctx context.Context, backendID, name string, arguments json.RawMessage, timeout time.Duration) (*mcp.CallToolResult, error) {
	p.mu.RLock()
	conn := p.connections[backendID]
	rs := p.recovery[backendID]
	p.mu.RUnlock()
	if conn == nil {
		return nil, mcperr.New(mcperr.BackendUnavailable, "unknown backend").WithBackend(backendID)
	}
	if rs != nil && rs.breakerOpen() {
		return nil, mcperr.New(mcperr.BackendUnavailable, "backend circuit breaker open").WithBackend(backendID)
	}
	return conn.CallTool(ctx, name, arguments, timeout)
}

// Snapshot returns the current state of every backend, for health and
// readiness endpoints.
func (p *Pool) Snapshot() map[string]State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]State, len(p.connections))
	for id, c := range p.connections {
		out[id] = c.State()
	}
	return out
}

// StopAll stops every connection; used at aggregator shutdown.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.RLock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.mu.RUnlock()
	for _, c := range conns {
		_ = c.Stop(ctx)
	}
}
