package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsStableHexDigest(t *testing.T) {
	h := New()

	first, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, first, 64)

	second, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := h.Hash([]byte("world"))
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}
