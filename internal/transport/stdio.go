package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewStdio returns an mcp.Transport that spawns command on Connect, merging
// env onto the current process's environment. Unlike mcp.CommandTransport,
// it tolerates lines the child prints before its first JSON-RPC frame
// (banners, dependency install logs) by discarding them instead of failing
// the handshake.
func NewStdio(command string, args, env []string, logger *slog.Logger) mcp.Transport {
	return &stdioTransport{command: command, args: args, env: env, logger: logger}
}

type stdioTransport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger
}

func (t *stdioTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	logger := t.logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(t.command, t.args...)
	if len(t.env) > 0 {
		cmd.Env = append(os.Environ(), t.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdout pipe: %w", err)
	}
	cmd.Stderr = &stderrLogger{logger: logger, backend: t.command}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio transport: start: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	return &stdioConnection{
		cmd:     cmd,
		stdin:   stdin,
		scanner: scanner,
		logger:  logger,
		backend: t.command,
	}, nil
}

// stdioConnection implements mcp.Connection over a child process's
// stdin/stdout, framing messages as newline-delimited JSON-RPC. Lines
// preceding the first decodable frame are logged and discarded; a decode
// failure after that point is reported as an error, since the handshake has
// already established that the child speaks JSON-RPC on this stream.
type stdioConnection struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	logger  *slog.Logger
	backend string

	writeMu       sync.Mutex
	sawFirstFrame bool
}

func (c *stdioConnection) SessionID() string { return "" }

func (c *stdioConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(line)
		if err != nil {
			if !c.sawFirstFrame {
				c.logger.Debug("stdio transport discarding prelude line", "backend", c.backend, "line", string(line))
				continue
			}
			return nil, fmt.Errorf("stdio transport: unparsable frame: %w", err)
		}
		c.sawFirstFrame = true
		return msg, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stdio transport: read: %w", err)
	}
	return nil, io.EOF
}

func (c *stdioConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stdio transport: encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("stdio transport: write: %w", err)
	}
	return nil
}

func (c *stdioConnection) Close() error {
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}

// stderrLogger forwards a backend's stderr to the structured logger one
// write at a time rather than buffering it, since a misbehaving backend can
// write indefinitely. Each log record holds whatever chunk the child wrote,
// which may be part of a line or several lines.
type stderrLogger struct {
	logger  *slog.Logger
	backend string
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.logger.Warn("backend stderr", "backend", s.backend, "line", string(p))
	return len(p), nil
}
