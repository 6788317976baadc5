package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func mustID(v int64) jsonrpc.ID {
	id, err := jsonrpc.MakeID(float64(v))
	if err != nil {
		panic(err)
	}
	return id
}

// newPipedConnection wires a stdioConnection's stdin/stdout to in-memory
// pipes instead of a real child process, letting a test play the role of
// the backend without spawning one.
func newPipedConnection(t *testing.T) (*stdioConnection, io.Reader, io.Writer) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	scanner := bufio.NewScanner(stdoutR)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	conn := &stdioConnection{
		stdin:   stdinW,
		scanner: scanner,
		logger:  slog.Default(),
		backend: "fake",
	}
	t.Cleanup(func() { _ = stdinW.Close(); _ = stdoutW.Close() })
	return conn, stdinR, stdoutW
}

func TestStdioConnectionWriteEncodesFrame(t *testing.T) {
	conn, childIn, _ := newPipedConnection(t)

	req := &jsonrpc.Request{Method: "ping", ID: mustID(1)}

	readDone := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := childIn.Read(buf)
		if err != nil {
			return
		}
		readDone <- string(buf[:n])
	}()

	require.NoError(t, conn.Write(context.Background(), req))

	select {
	case line := <-readDone:
		require.Contains(t, line, `"ping"`)
	case <-time.After(2 * time.Second):
		t.Fatal("write never reached the child's stdin")
	}
}

func TestStdioConnectionReadToleratesPreludeThenDecodes(t *testing.T) {
	conn, _, childOut := newPipedConnection(t)

	go func() {
		_, _ = childOut.Write([]byte("npm warn deprecated something\n"))
		_, _ = childOut.Write([]byte("server starting on stdio\n"))
		_, _ = childOut.Write([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := conn.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.True(t, conn.sawFirstFrame)
}

func TestStdioConnectionReadReportsUnparsableFrameAfterHandshake(t *testing.T) {
	conn, _, childOut := newPipedConnection(t)
	conn.sawFirstFrame = true

	go func() {
		_, _ = childOut.Write([]byte("this is not json\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := conn.Read(ctx)
	require.Error(t, err)
}

func TestStdioConnectionReadReturnsEOFOnStreamClose(t *testing.T) {
	conn, _, childOut := newPipedConnection(t)

	closer, ok := childOut.(io.Closer)
	require.True(t, ok)
	require.NoError(t, closer.Close())

	_, err := conn.Read(context.Background())
	require.ErrorIs(t, err, io.EOF)
}
