package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, env map[string]string) (Config, error) {
	t.Helper()
	var cfg Config
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(env),
	})
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"LEDGER_URL":     "http://node:5000/api/v1/namespaces/default",
		"WEBHOOK_SECRET": "0123456789abcdef",
	})
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 5*time.Minute, cfg.Auth.ChallengeTTL)
	require.Equal(t, 120*time.Hour, cfg.Auth.RefreshTTL)
	require.Equal(t, 30, cfg.Projector.ChunkSize)
	require.Equal(t, int32(18), cfg.Projector.PriceDecimals)
	require.Equal(t, 10, cfg.Gateway.RateLimit)
	require.True(t, cfg.Auth.CookieSecure)
}

func TestValidate(t *testing.T) {
	base := map[string]string{
		"LEDGER_URL":     "http://node:5000",
		"WEBHOOK_SECRET": "0123456789abcdef",
	}

	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "defaults", env: map[string]string{}},
		{name: "challenge ttl too short", env: map[string]string{"AUTH_CHALLENGE_TTL": "1m"}, wantErr: true},
		{name: "challenge ttl too long", env: map[string]string{"AUTH_CHALLENGE_TTL": "11m"}, wantErr: true},
		{name: "refresh shorter than access", env: map[string]string{"AUTH_REFRESH_TTL": "1m"}, wantErr: true},
		{name: "zero sweep interval", env: map[string]string{"AUTH_SWEEP_INTERVAL": "0s"}, wantErr: true},
		{name: "short webhook secret", env: map[string]string{"WEBHOOK_SECRET": "short"}, wantErr: true},
		{name: "zero chunk", env: map[string]string{"PROJECTOR_CHUNK_SIZE": "0"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := make(map[string]string, len(base)+len(tt.env))
			for k, v := range base {
				env[k] = v
			}
			for k, v := range tt.env {
				env[k] = v
			}

			_, err := load(t, env)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
