package mcperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONRPCMapping(t *testing.T) {
	e := New(ToolNotFound, "no such tool").WithBackend("mem")
	wire := e.JSONRPC()
	require.Equal(t, -32002, wire.Code)
	require.Equal(t, "no such tool", wire.Message)
	data, ok := wire.Data.(map[string]string)
	require.True(t, ok)
	require.Equal(t, "tool_not_found", data["code"])
	require.Equal(t, "mem", data["backend"])
}

func TestIsComparesCode(t *testing.T) {
	err := New(TimedOut, "deadline exceeded")
	require.True(t, errors.Is(err, New(TimedOut, "")))
	require.False(t, errors.Is(err, New(TransportFailed, "")))
}

func TestCodeOfUnwraps(t *testing.T) {
	cause := New(TransportFailed, "write failed")
	wrapped := fmt.Errorf("dispatch failed: %w", cause)
	code, ok := CodeOf(wrapped)
	require.True(t, ok)
	require.Equal(t, TransportFailed, code)
}

func TestCodeOfMiss(t *testing.T) {
	_, ok := CodeOf(errors.New("plain error"))
	require.False(t, ok)
}
