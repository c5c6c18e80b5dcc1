package keystore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKeyNeverPlaintext(t *testing.T) {
	t.Parallel()

	h := HashKey("sk_secret")
	assert.NotContains(t, h, "secret")
	assert.Len(t, h, 64) // hex SHA-256
	assert.Equal(t, h, HashKey("sk_secret"))
	assert.NotEqual(t, h, HashKey("sk_secret2"))
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()

	a := GenerateKey()
	b := GenerateKey()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "sk_")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		info    Info
		ip      string
		wantErr error
	}{
		{
			name: "active key with no restrictions",
			info: Info{IsActive: true},
			ip:   "10.0.0.1",
		},
		{
			name:    "inactive key",
			info:    Info{IsActive: false},
			ip:      "10.0.0.1",
			wantErr: ErrInactive,
		},
		{
			name:    "expired key",
			info:    Info{IsActive: true, ExpiresAt: &past},
			ip:      "10.0.0.1",
			wantErr: ErrExpired,
		},
		{
			name: "not yet expired key",
			info: Info{IsActive: true, ExpiresAt: &future},
			ip:   "10.0.0.1",
		},
		{
			name:    "ip not in allowlist",
			info:    Info{IsActive: true, AllowedIPs: []string{"192.168.1.5"}},
			ip:      "10.0.0.1",
			wantErr: ErrIPNotAllowed,
		},
		{
			name: "ip in allowlist",
			info: Info{IsActive: true, AllowedIPs: []string{"192.168.1.5", "10.0.0.1"}},
			ip:   "10.0.0.1",
		},
		{
			name:    "inactive beats expiry check order",
			info:    Info{IsActive: false, ExpiresAt: &past},
			ip:      "10.0.0.1",
			wantErr: ErrInactive,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.info, tt.ip, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	key := GenerateKey()

	require.NoError(t, s.Put(key, Info{UserID: "u1", StreamID: "s1", IsActive: true}))

	info, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "u1", info.UserID)
	assert.True(t, info.IsActive)

	_, err = s.Get("sk_unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Touch(key))
	info, err = s.Get(key)
	require.NoError(t, err)
	assert.NotNil(t, info.LastUsedAt)

	require.NoError(t, s.Delete(key))
	_, err = s.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreAlias(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	key := GenerateKey()
	require.NoError(t, s.Put(key, Info{UserID: "u1", IsActive: true}))

	assert.ErrorIs(t, s.CreateAlias("main-show", "sk_missing"), ErrNotFound)
	require.NoError(t, s.CreateAlias("main-show", key))

	info, hash, err := s.ResolveAlias("main-show")
	require.NoError(t, err)
	assert.Equal(t, "u1", info.UserID)
	assert.Equal(t, HashKey(key), hash)

	_, _, err = s.ResolveAlias("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	key := GenerateKey()
	require.NoError(t, s.Put(key, Info{UserID: "u1", IsActive: true}))

	info, err := ValidateKey(s, key, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "u1", info.UserID)

	// Touch recorded the use.
	stored, err := s.Get(key)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)

	_, err = ValidateKey(s, "sk_unknown", "10.0.0.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	key := GenerateKey()
	exp := time.Now().Add(time.Hour).UTC()
	require.NoError(t, s.Put(key, Info{
		UserID:     "u1",
		StreamID:   "s1",
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  &exp,
		AllowedIPs: []string{"10.0.0.1"},
	}))

	info, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "s1", info.StreamID)
	require.NotNil(t, info.ExpiresAt)
	assert.Equal(t, []string{"10.0.0.1"}, info.AllowedIPs)

	require.NoError(t, s.CreateAlias("studio", key))
	aliased, hash, err := s.ResolveAlias("studio")
	require.NoError(t, err)
	assert.Equal(t, info.StreamID, aliased.StreamID)
	assert.Equal(t, HashKey(key), hash)

	require.NoError(t, s.Delete(key))
	_, err = s.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)
}
