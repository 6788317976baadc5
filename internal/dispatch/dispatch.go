// Package dispatch implements the aggregator's top-level JSON-RPC handler:
// method routing, context injection, and the in-process built-in tools.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/5dlabs/toolman/internal/backend"
	"github.com/5dlabs/toolman/internal/catalog"
	"github.com/5dlabs/toolman/internal/config"
	"github.com/5dlabs/toolman/internal/filter"
	"github.com/5dlabs/toolman/internal/mcperr"
	"github.com/5dlabs/toolman/internal/session"
	"github.com/5dlabs/toolman/internal/toolsuggest"
)

const protocolVersion = "2024-11-05"

// RequestContext carries the per-request caller information the dispatcher
// and context injection need but the Pool and Connection never see,
// per §9's "pass them as explicit parameters" design note.
type RequestContext struct {
	SessionID    string
	WorkingDir   string
	FilterHeader string
}

// BackendLookup lets the dispatcher fetch a backend's configured
// context-injection argument names, without importing the config document
// shape directly. Resolving a prefixed tool name to its backend is done
// through the catalog, not through this interface.
type BackendLookup interface {
	ContextArgsFor(backendID string) []string
}

// Dispatcher wires together every other component to answer one JSON-RPC
// call at a time. It holds no per-request state itself.
type Dispatcher struct {
	pool      *backend.Pool
	catalog   *catalog.Catalog
	sessions  *session.Registry
	enabled   *config.EnabledSet
	suggester *toolsuggest.Suggester
	backends  BackendLookup
	save      config.SaveFunc
	logger    *slog.Logger

	callTimeout time.Duration
}

func New(pool *backend.Pool, cat *catalog.Catalog, sessions *session.Registry, enabled *config.EnabledSet, backends BackendLookup, save config.SaveFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pool:        pool,
		catalog:     cat,
		sessions:    sessions,
		enabled:     enabled,
		suggester:   toolsuggest.New(),
		backends:    backends,
		save:        save,
		logger:      logger,
		callTimeout: 30 * time.Second,
	}
}

// Dispatch answers one JSON-RPC request. It never returns a transport
// error: every failure mode is represented as a JSON-RPC error object
// inside the returned Response, per §7's "no local error is ever
// swallowed silently."
func (d *Dispatcher) Dispatch(ctx context.Context, req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	var result json.RawMessage
	var rpcErr *jsonrpc.Error

	switch req.Method {
	case "initialize":
		result, rpcErr = d.handleInitialize()
	case "tools/list":
		result, rpcErr = d.handleToolsList(rc)
	case "tools/call":
		result, rpcErr = d.handleToolsCall(ctx, req.Params, rc)
	default:
		rpcErr = &jsonrpc.Error{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	return &jsonrpc.Response{ID: req.ID, Result: result, Error: rpcErr}
}

// DispatchNotification answers a JSON-RPC notification. The only one the
// aggregator recognizes on its own surface is notifications/initialized,
// which is accepted and ignored; others are simply logged.
func (d *Dispatcher) DispatchNotification(note *jsonrpc.Request) {
	if note.Method != "notifications/initialized" {
		d.logger.Debug("dispatcher ignoring unrecognized notification", "method", note.Method)
	}
}

func (d *Dispatcher) handleInitialize() (json.RawMessage, *jsonrpc.Error) {
	payload := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
		"serverInfo":      map[string]string{"name": "toolman", "version": protocolVersion},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, toRPCError(mcperr.New(mcperr.ConfigError, "encode initialize result"))
	}
	return b, nil
}

// toRPCError converts the aggregator's local error taxonomy onto the wire
// JSON-RPC error shape, per §7's propagation policy for local errors.
func toRPCError(e *mcperr.Error) *jsonrpc.Error {
	wire := e.JSONRPC()
	var data json.RawMessage
	if wire.Data != nil {
		data, _ = json.Marshal(wire.Data)
	}
	return &jsonrpc.Error{Code: int64(wire.Code), Message: wire.Message, Data: data}
}

func (d *Dispatcher) visibleTools(rc RequestContext) ([]catalog.Tool, *jsonrpc.Error) {
	var sessionTools []string
	if rc.SessionID != "" {
		s, ok := d.sessions.Lookup(rc.SessionID)
		if !ok {
			return nil, toRPCError(mcperr.New(mcperr.SessionUnknown, "session-id header refers to no session"))
		}
		sessionTools = s.RequestedTools
		d.sessions.Touch(rc.SessionID)
	}
	visible, err := filter.Compute(d.catalog.Iter(), rc.FilterHeader, sessionTools, d.enabled)
	if err != nil {
		if e, ok := err.(*mcperr.Error); ok {
			return nil, toRPCError(e)
		}
		return nil, &jsonrpc.Error{Code: -32602, Message: err.Error()}
	}
	return visible, nil
}

func (d *Dispatcher) handleToolsList(rc RequestContext) (json.RawMessage, *jsonrpc.Error) {
	visible, rpcErr := d.visibleTools(rc)
	if rpcErr != nil {
		return nil, rpcErr
	}

	type wireTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}
	out := make([]wireTool, 0, len(visible)+len(builtinTools))
	for _, t := range visible {
		out = append(out, wireTool{Name: t.PrefixedName, Description: t.Description, InputSchema: t.InputSchema})
	}
	for _, b := range builtinTools {
		out = append(out, wireTool{Name: b.name, Description: b.description, InputSchema: b.inputSchema})
	}

	b, err := json.Marshal(map[string]any{"tools": out})
	if err != nil {
		return nil, toRPCError(mcperr.New(mcperr.ConfigError, "encode tools/list result"))
	}
	return b, nil
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, rawParams json.RawMessage, rc RequestContext) (json.RawMessage, *jsonrpc.Error) {
	var params toolCallParams
	if err := json.Unmarshal(rawParams, &params); err != nil || params.Name == "" {
		return nil, toRPCError(mcperr.Newf(mcperr.InvalidParams, "tools/call requires a name"))
	}

	if isBuiltin(params.Name) {
		return d.callBuiltin(params.Name, params.Arguments, rc)
	}

	visible, rpcErr := d.visibleTools(rc)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var found bool
	for _, t := range visible {
		if t.PrefixedName == params.Name {
			found = true
			break
		}
	}
	if !found {
		return nil, toRPCError(mcperr.New(mcperr.ToolNotFound, "tool not found"))
	}

	tool, ok := d.catalog.Lookup(params.Name)
	if !ok {
		return nil, toRPCError(mcperr.New(mcperr.ToolNotFound, "tool not found"))
	}

	args := d.injectContext(tool.BackendID, params.Arguments, rc.WorkingDir)

	result, err := d.pool.CallTool(ctx, tool.BackendID, tool.OriginalName, args, d.callTimeout)
	if err != nil {
		if e, ok := err.(*mcperr.Error); ok {
			return nil, toRPCError(e)
		}
		return nil, toRPCError(mcperr.Wrap(mcperr.TransportFailed, "backend call failed", err))
	}

	// A backend tool failure surfaces inside a successful CallToolResult
	// (IsError=true), not as a JSON-RPC error frame, so it is marshaled
	// through unchanged rather than split out here.
	b, err := json.Marshal(result)
	if err != nil {
		return nil, toRPCError(mcperr.New(mcperr.ConfigError, "encode tools/call result"))
	}
	return b, nil
}

// injectContext merges the caller's working directory into the parsed
// arguments for any key the backend declared as a context argument. On
// malformed arguments JSON it leaves args untouched; handleToolsCall's
// caller has already validated params shape, so a malformed "arguments"
// sub-object there is the backend tool's own business, not ours to reject.
func (d *Dispatcher) injectContext(backendID string, args json.RawMessage, workingDir string) json.RawMessage {
	if workingDir == "" || d.backends == nil {
		if len(args) == 0 {
			return json.RawMessage(`{}`)
		}
		return args
	}
	keys := d.backends.ContextArgsFor(backendID)
	if len(keys) == 0 {
		if len(args) == 0 {
			return json.RawMessage(`{}`)
		}
		return args
	}

	var decoded map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return args
		}
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	for _, k := range keys {
		decoded[k] = workingDir
	}
	b, err := json.Marshal(decoded)
	if err != nil {
		return args
	}
	return b
}
