package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/5dlabs/toolman/internal/backend"
	"github.com/5dlabs/toolman/internal/catalog"
)

func TestCreateIntersectsAgainstCatalog(t *testing.T) {
	cat := catalog.New()
	cat.OnDiscover("fs", []backend.RawTool{{Name: "read_file"}})

	reg := NewRegistry(cat, time.Hour, nil)
	result := reg.Create(ClientInfo{Name: "ide"}, "/repo", nil, []string{"fs_read_file", "nonexistent_tool"})

	require.NotEmpty(t, result.SessionID)
	require.Equal(t, []string{"fs_read_file"}, result.AvailableTools)
}

func TestCreateIncludesDeclaredLocalServerNames(t *testing.T) {
	reg := NewRegistry(catalog.New(), time.Hour, nil)
	locals := []LocalServerDescriptor{{Name: "project_tools", Command: "node"}}
	result := reg.Create(ClientInfo{}, "/repo", locals, []string{"project_tools"})
	require.Equal(t, []string{"project_tools"}, result.AvailableTools)
}

func TestDestroyInvokesHooksOnce(t *testing.T) {
	reg := NewRegistry(catalog.New(), time.Hour, nil)
	result := reg.Create(ClientInfo{}, "", nil, nil)

	var calls int
	reg.OnDestroy(func(id string) { calls++ })

	reg.Destroy(result.SessionID)
	reg.Destroy(result.SessionID) // second destroy of an already-gone id is a no-op
	require.Equal(t, 1, calls)

	_, ok := reg.Lookup(result.SessionID)
	require.False(t, ok)
}

func TestIdleSweeperRemovesStaleSessions(t *testing.T) {
	reg := NewRegistry(catalog.New(), 10*time.Millisecond, nil)
	result := reg.Create(ClientInfo{}, "", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go reg.RunIdleSweeper(ctx, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(result.SessionID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
