package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/5dlabs/toolman/internal/backend"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOnDiscoverPrefixesAndSanitizes(t *testing.T) {
	c := New()
	c.OnDiscover("file-system", []backend.RawTool{{Name: "read.file"}, {Name: "write file"}})

	tools := c.IterForBackend("file-system")
	require.Len(t, tools, 2)
	require.Equal(t, "file_system_read_file", tools[0].PrefixedName)
	require.Equal(t, "file_system_write_file", tools[1].PrefixedName)
}

func TestOnDiscoverDistinctBackendsDoNotCollide(t *testing.T) {
	c := New()
	c.OnDiscover("a", []backend.RawTool{{Name: "x"}})
	c.OnDiscover("b", []backend.RawTool{{Name: "x"}})

	// "a" and "b" sanitize independently, so no collision should occur
	// between backends with different ids.
	_, ok := c.Lookup("a_x")
	require.True(t, ok)
	_, ok = c.Lookup("b_x")
	require.True(t, ok)
}

func TestOnDiscoverWithinSameBackendCollisionGetsSuffix(t *testing.T) {
	c := New()
	// Two raw names that sanitize to the same prefixed name must not
	// overwrite each other.
	c.OnDiscover("svc", []backend.RawTool{{Name: "do-thing"}, {Name: "do thing"}})
	tools := c.IterForBackend("svc")
	require.Len(t, tools, 2)
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.PrefixedName] = true
	}
	require.Len(t, names, 2)
}

func TestRediscoveryReplacesOnlyThatBackend(t *testing.T) {
	c := New()
	c.OnDiscover("fs", []backend.RawTool{{Name: "read"}, {Name: "write"}})
	c.OnDiscover("mem", []backend.RawTool{{Name: "store"}})

	c.OnDiscover("fs", []backend.RawTool{{Name: "read"}})

	require.Len(t, c.IterForBackend("fs"), 1)
	require.Len(t, c.IterForBackend("mem"), 1)
	_, ok := c.Lookup("mem_store")
	require.True(t, ok)
}

func TestRediscoveryOfIdenticalToolsReproducesSameNames(t *testing.T) {
	c := New()
	c.OnDiscover("fs", []backend.RawTool{{Name: "read"}, {Name: "write"}})
	before := map[string]string{}
	for _, tool := range c.IterForBackend("fs") {
		before[tool.OriginalName] = tool.PrefixedName
	}

	// A restart followed by re-discovery of the exact same tool list must
	// reproduce the exact same prefixed names, not collide with the
	// backend's own prior entries and pick up a spurious _2 suffix.
	c.OnDiscover("fs", []backend.RawTool{{Name: "read"}, {Name: "write"}})
	after := map[string]string{}
	for _, tool := range c.IterForBackend("fs") {
		after[tool.OriginalName] = tool.PrefixedName
	}

	require.Equal(t, before, after)
	require.Equal(t, "fs_read", after["read"])
	require.Equal(t, "fs_write", after["write"])
}

func TestMalformedSchemaDropsOnlyThatTool(t *testing.T) {
	c := New()
	c.OnDiscover("svc", []backend.RawTool{
		{Name: "good", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", InputSchema: json.RawMessage(`not json`)},
	})
	tools := c.IterForBackend("svc")
	require.Len(t, tools, 1)
	require.Equal(t, "svc_good", tools[0].PrefixedName)
}
