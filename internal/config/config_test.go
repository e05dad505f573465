package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"photo-restore-backend/internal/config"
)

func TestLoad_StubDefaults(t *testing.T) {
	t.Setenv("REPLICATE_STUB_MODE", "true")
	t.Setenv("REPLICATE_WEBHOOK_SECRET", "whsec_dGVzdA==")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POLL_INTERVAL", "not-a-duration")
	t.Setenv("JOB_MAX_ATTEMPTS", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.Offline())
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, "photos", cfg.SupabaseStorageBucket)
	assert.Equal(t, "temp/", cfg.SupabaseTempPrefix)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REPLICATE_STUB_MODE", "true")
	t.Setenv("REPLICATE_WEBHOOK_SECRET", "whsec_dGVzdA==")
	t.Setenv("DISPATCH_INTERVAL", "2s")
	t.Setenv("WORKER_BATCH_SIZE", "7")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.DispatchInterval)
	assert.Equal(t, 7, cfg.WorkerBatchSize)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			ReplicateAPIToken:      "r8_token",
			ReplicateModelVersion:  "version",
			ReplicateWebhookSecret: "whsec_dGVzdA==",
			DatabaseURL:            "postgres://localhost/db",
			SupabaseURL:            "https://abc.supabase.co",
			SupabaseServiceRoleKey: "service-key",
			JobMaxAttempts:         3,
			EmailMaxAttempts:       5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"missing token", func(c *config.Config) { c.ReplicateAPIToken = "" }, "REPLICATE_API_TOKEN"},
		{"stub skips token", func(c *config.Config) {
			c.ReplicateAPIToken = ""
			c.ReplicateModelVersion = ""
			c.ReplicateStubMode = true
		}, ""},
		{"missing model version", func(c *config.Config) { c.ReplicateModelVersion = "" }, "REPLICATE_MODEL_VERSION"},
		{"missing webhook secret", func(c *config.Config) { c.ReplicateWebhookSecret = "" }, "REPLICATE_WEBHOOK_SECRET"},
		{"database without supabase", func(c *config.Config) { c.SupabaseURL = "" }, "SUPABASE_URL"},
		{"supabase without key", func(c *config.Config) { c.SupabaseServiceRoleKey = "" }, "SUPABASE_SERVICE_ROLE_KEY"},
		{"zero job attempts", func(c *config.Config) { c.JobMaxAttempts = 0 }, "JOB_MAX_ATTEMPTS"},
		{"zero email attempts", func(c *config.Config) { c.EmailMaxAttempts = 0 }, "EMAIL_MAX_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOffline(t *testing.T) {
	cfg := config.Config{ReplicateStubMode: true}
	assert.True(t, cfg.Offline())

	cfg.DatabaseURL = "postgres://localhost/db"
	assert.False(t, cfg.Offline())
}
