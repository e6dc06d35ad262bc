package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trojan-defender/pkg/config"
)

func testManager() *Manager {
	return NewManager(&config.JWTConfig{
		Secret:          "test-secret-key",
		AccessTTLMin:    30,
		RefreshTTLHours: 168,
	})
}

func TestIssuePairAndParse(t *testing.T) {
	m := testManager()

	pair, err := m.IssuePair(42, "alice", true)
	require.NoError(t, err)
	require.NotEmpty(t, pair.Access)
	require.NotEmpty(t, pair.Refresh)

	claims, err := m.Parse(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.True(t, claims.IsStaff)
}

func TestParse_RejectsRefreshToken(t *testing.T) {
	m := testManager()
	pair, err := m.IssuePair(1, "bob", false)
	require.NoError(t, err)

	// access入口不接受refresh token
	_, err = m.Parse(pair.Refresh)
	assert.Error(t, err)

	claims, err := m.ParseRefresh(pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, uint(1), claims.UserID)
}

func TestParseRefresh_RejectsAccessToken(t *testing.T) {
	m := testManager()
	pair, err := m.IssuePair(1, "bob", false)
	require.NoError(t, err)

	_, err = m.ParseRefresh(pair.Access)
	assert.Error(t, err)
}

func TestParse_RejectsWrongSecret(t *testing.T) {
	m := testManager()
	pair, err := m.IssuePair(1, "bob", false)
	require.NoError(t, err)

	other := NewManager(&config.JWTConfig{Secret: "another-secret", AccessTTLMin: 30, RefreshTTLHours: 1})
	_, err = other.Parse(pair.Access)
	assert.Error(t, err)
}

func TestParse_RejectsGarbage(t *testing.T) {
	_, err := testManager().Parse("not.a.token")
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)

	assert.True(t, CheckPassword(hash, "hunter22"))
	assert.False(t, CheckPassword(hash, "hunter23"))
}
