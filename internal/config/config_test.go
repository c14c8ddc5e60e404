package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.LeaseDuration)
	assert.Equal(t, 30*time.Second, cfg.LedgerTimeout)
	assert.Equal(t, 3, cfg.LedgerMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.LedgerBackoff)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, int64(10), cfg.MaxArtifactMB)
	assert.Equal(t, []string{"json", "csv", "md", "txt"}, cfg.AllowedArtifactTypes)
	assert.True(t, cfg.AllowReclaimAfterReject)
	assert.NotEmpty(t, cfg.JWTSecret)
}

func TestLoadProductionRequiresSecrets(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "short")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("LEASE_DURATION", "two days")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEASE_DURATION")
}

func TestPolicyFileOverridesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
allow_reclaim_after_reject: false
lease_duration: 24h
allowed_artifact_types: [json, md]
max_artifact_mb: 2
`), 0o644))

	t.Setenv("APP_ENV", "development")
	t.Setenv("LEASE_DURATION", "72h")
	t.Setenv("POLICY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.AllowReclaimAfterReject)
	assert.Equal(t, 24*time.Hour, cfg.LeaseDuration)
	assert.Equal(t, []string{"json", "md"}, cfg.AllowedArtifactTypes)
	assert.Equal(t, int64(2), cfg.MaxArtifactMB)
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	_, err := ParsePolicy([]byte("lease_duration: [oops"))
	require.Error(t, err)

	p, err := ParsePolicy([]byte("lease_duration: soon"))
	require.NoError(t, err)
	assert.Error(t, p.Apply(&Config{}))
}
