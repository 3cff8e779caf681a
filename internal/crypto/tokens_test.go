package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateState(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := GenerateState()
		require.NoError(t, err)

		raw, err := base64.RawURLEncoding.DecodeString(s)
		require.NoError(t, err)
		assert.Len(t, raw, 32)

		assert.False(t, seen[s], "duplicate state generated")
		seen[s] = true
	}
}

func TestEqualTokens(t *testing.T) {
	assert.True(t, EqualTokens("abc", "abc"))
	assert.False(t, EqualTokens("abc", "abd"))
	assert.False(t, EqualTokens("abc", ""))
}
