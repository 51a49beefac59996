package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string            `cbor:"name"`
	Size  uint64            `cbor:"size,omitempty"`
	Attrs map[string]string `cbor:"attrs,omitempty"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{Name: "a", Attrs: map[string]string{"z": "1", "a": "2", "m": "3"}}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		require.True(t, bytes.Equal(first, again))
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"name": "y", "extra": 1})
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	require.Equal(t, "y", out.Name)

	diag, err := Diagnose(data)
	require.NoError(t, err)
	require.Contains(t, diag, "extra")
}
