package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, CheckPassword("hunter2", hash))
	assert.False(t, CheckPassword("hunter3", hash))
}

func TestGenerateTurnCredentials(t *testing.T) {
	user, pass := GenerateTurnCredentials("session-1", "shared", time.Hour)
	assert.True(t, strings.HasSuffix(user, ":session-1"))
	assert.NotEmpty(t, pass)

	_, other := GenerateTurnCredentials("session-1", "different", time.Hour)
	assert.NotEqual(t, pass, other)
}

func TestGenerateSecureToken(t *testing.T) {
	a, err := GenerateSecureToken(16)
	require.NoError(t, err)
	b, err := GenerateSecureToken(16)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
