package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/5dlabs/toolman/internal/catalog"
)

type staticMap map[string]bool

func (m staticMap) IsEnabled(name string) bool {
	v, ok := m[name]
	if !ok {
		return true
	}
	return v
}

func sampleTools() []catalog.Tool {
	return []catalog.Tool{
		{PrefixedName: "fs_read_file"},
		{PrefixedName: "fs_write_file"},
		{PrefixedName: "mem_store"},
	}
}

func TestComputeWildcardHeader(t *testing.T) {
	out, err := Compute(sampleTools(), "*", nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func TestComputeHeaderTakesPrecedenceOverSession(t *testing.T) {
	out, err := Compute(sampleTools(), "fs_*", []string{"mem_store"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "fs_read_file", out[0].PrefixedName)
}

func TestComputeSessionFallbackWhenNoHeader(t *testing.T) {
	out, err := Compute(sampleTools(), "", []string{"mem_store"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "mem_store", out[0].PrefixedName)
}

func TestComputeEmptyWithoutHeaderOrSession(t *testing.T) {
	out, err := Compute(sampleTools(), "", nil, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestComputeStaticDisableMasksEvenUnderWildcard(t *testing.T) {
	static := staticMap{"mem_store": false}
	out, err := Compute(sampleTools(), "*", nil, static)
	require.NoError(t, err)
	for _, tool := range out {
		require.NotEqual(t, "mem_store", tool.PrefixedName)
	}
	require.Len(t, out, 2)
}

func TestComputeJSONArrayHeader(t *testing.T) {
	out, err := Compute(sampleTools(), `["mem_*","fs_read_file"]`, nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestComputeCommaSeparatedHeader(t *testing.T) {
	out, err := Compute(sampleTools(), "fs_read_file, mem_store", nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestComputeUnparseableHeaderErrors(t *testing.T) {
	_, err := Compute(sampleTools(), `["unterminated`, nil, nil)
	require.Error(t, err)
}
