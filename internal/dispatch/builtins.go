package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/5dlabs/toolman/internal/config"
	"github.com/5dlabs/toolman/internal/mcperr"
)

// buildDocument wraps an enable/disable snapshot in a Document so save_config
// can hand it to the caller-supplied SaveFunc without the dispatcher owning
// the full backend list itself.
func buildDocument(enabled map[string]bool) config.Document {
	return config.Document{EnabledTools: enabled}
}

type builtinSpec struct {
	name        string
	description string
	inputSchema json.RawMessage
}

var builtinTools = []builtinSpec{
	{
		name:        "suggest_tools_for_tasks",
		description: "Suggest MCP tools likely relevant to a set of task descriptions.",
		inputSchema: json.RawMessage(`{"type":"object","properties":{"task_descriptions":{"type":"array","items":{"type":"string"}}},"required":["task_descriptions"]}`),
	},
	{
		name:        "enable_tool",
		description: "Enable a backend tool that is currently disabled by static configuration.",
		inputSchema: json.RawMessage(`{"type":"object","properties":{"server_name":{"type":"string"},"tool_name":{"type":"string"}},"required":["server_name","tool_name"]}`),
	},
	{
		name:        "disable_tool",
		description: "Disable a backend tool so it no longer appears in tools/list.",
		inputSchema: json.RawMessage(`{"type":"object","properties":{"server_name":{"type":"string"},"tool_name":{"type":"string"}},"required":["server_name","tool_name"]}`),
	},
	{
		name:        "save_config",
		description: "Persist the current per-tool enable/disable overrides.",
		inputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
}

func isBuiltin(name string) bool {
	for _, b := range builtinTools {
		if b.name == name {
			return true
		}
	}
	return false
}

// callBuiltin dispatches one of the four in-process tools. It never touches
// the Pool or a backend's transport: every built-in is answered entirely
// from local state.
func (d *Dispatcher) callBuiltin(name string, rawArgs json.RawMessage, rc RequestContext) (json.RawMessage, *jsonrpc.Error) {
	switch name {
	case "suggest_tools_for_tasks":
		return d.builtinSuggestTools(rawArgs)
	case "enable_tool":
		return d.builtinSetEnabled(rawArgs, true)
	case "disable_tool":
		return d.builtinSetEnabled(rawArgs, false)
	case "save_config":
		return d.builtinSaveConfig()
	default:
		return nil, toRPCError(mcperr.New(mcperr.ToolNotFound, "unknown built-in tool"))
	}
}

func (d *Dispatcher) builtinSuggestTools(rawArgs json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	var args struct {
		TaskDescriptions []string `json:"task_descriptions"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil || len(args.TaskDescriptions) == 0 {
		return nil, toRPCError(mcperr.Newf(mcperr.InvalidParams, "suggest_tools_for_tasks requires task_descriptions"))
	}

	var b strings.Builder
	for i, desc := range args.TaskDescriptions {
		analysis := d.suggester.AnalyzeTask(desc, "")
		fmt.Fprintf(&b, "Task %d: %s\n", i+1, desc)
		if len(analysis.Suggestions) == 0 {
			b.WriteString("  no suggestions\n")
			continue
		}
		for _, s := range analysis.Suggestions {
			fmt.Fprintf(&b, "  %s.%s (%.2f): %s\n", s.ServerName, s.ToolName, s.Confidence, s.Reason)
		}
	}
	return textResult(b.String()), nil
}

func (d *Dispatcher) builtinSetEnabled(rawArgs json.RawMessage, enable bool) (json.RawMessage, *jsonrpc.Error) {
	var args struct {
		ServerName string `json:"server_name"`
		ToolName   string `json:"tool_name"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil || args.ServerName == "" || args.ToolName == "" {
		return nil, toRPCError(mcperr.Newf(mcperr.InvalidParams, "requires server_name and tool_name"))
	}

	tool, ok := d.catalog.FindByBackendAndOriginal(args.ServerName, args.ToolName)
	if !ok {
		return nil, toRPCError(mcperr.New(mcperr.ToolNotFound, "tool not found"))
	}

	verb := "disabled"
	if enable {
		d.enabled.Enable(tool.PrefixedName)
		verb = "enabled"
	} else {
		d.enabled.Disable(tool.PrefixedName)
	}
	return textResult(fmt.Sprintf("%s %s", tool.PrefixedName, verb)), nil
}

func (d *Dispatcher) builtinSaveConfig() (json.RawMessage, *jsonrpc.Error) {
	if d.save == nil {
		return nil, toRPCError(mcperr.New(mcperr.ConfigError, "no save handler configured"))
	}
	snapshot := d.enabled.Snapshot()
	if err := d.save(buildDocument(snapshot)); err != nil {
		return nil, toRPCError(mcperr.Wrap(mcperr.ConfigError, "failed to save config", err))
	}
	return textResult("configuration saved"), nil
}

func textResult(text string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
	})
	return b
}
