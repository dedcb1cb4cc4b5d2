package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTP.Addr())
	assert.Equal(t, 8, cfg.Chat.MaxRoomMembers)
	assert.Equal(t, 3*time.Second, cfg.Chat.TypingExpiry)
	assert.Equal(t, 2*time.Minute, cfg.Security.ResumeGrace)
	assert.Equal(t, "none", cfg.Stats.Backend)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.STUNServers)
	assert.Equal(t, 54*time.Second, cfg.Server.WebSocket.PingPeriod())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("PORT", "9000")
	t.Setenv("ROOM_MAX_MEMBERS", "4")
	t.Setenv("STUN_SERVERS", "stun:a:3478,stun:b:3478")
	t.Setenv("STATS_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.HTTP.Port)
	assert.Equal(t, 4, cfg.Chat.MaxRoomMembers)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.WebRTC.STUNServers)
	assert.Equal(t, "redis", cfg.Stats.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("STATS_BACKEND", "postgres")
	t.Setenv("ROOM_MAX_MEMBERS", "1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATS_BACKEND")
	assert.Contains(t, err.Error(), "ROOM_MAX_MEMBERS")
}

func TestProductionRequiresResumeSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESUME_SECRET")

	t.Setenv("RESUME_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Server.WebSocket.CheckOrigin)
	assert.True(t, cfg.IsProduction())
}
