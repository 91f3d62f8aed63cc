package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t, "website:\n  base_url: https://example.com/\n")
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", cfg.Website.BaseURL)
	assert.Equal(t, "https://example.com/auth/select_game_v2.php", cfg.Website.Referer)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.Analyzer.OverallTimeout)
	assert.Equal(t, 10*time.Second, cfg.Analyzer.HTTPTimeout)
	assert.Equal(t, 25*time.Second, cfg.Analyzer.BulkItemTimeout)
	assert.Equal(t, 3, cfg.Analyzer.MaxRedirects)
	assert.Equal(t, "telkom", cfg.Analyzer.TargetPool)
	assert.Len(t, cfg.Analyzer.Pools, 3)
	assert.Equal(t, 800*time.Millisecond, cfg.Fish.Interval)
	assert.Equal(t, "identity", cfg.Website.Headers["Accept-Encoding"])
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(t, `
website:
  base_url: https://example.com
  headers:
    Accept-Language: en
retry:
  max_retries: 5
  initial_delay: 500ms
analyzer:
  target_pool: isp
  pools:
    isp: ["10.0.0.1"]
    public: ["9.9.9.9", "149.112.112.112"]
  http_timeout: 5s
`)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, "en", cfg.Website.Headers["Accept-Language"])
	assert.Equal(t, []string{"10.0.0.1"}, cfg.Analyzer.Pools["isp"])
	assert.Len(t, cfg.Analyzer.Pools, 2)
	assert.Equal(t, 5*time.Second, cfg.Analyzer.HTTPTimeout)
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("BASE_URL", "https://env.example.com")
	t.Setenv("MAX_RETRIES", "4")
	t.Setenv("INITIAL_RETRY_DELAY", "1500")
	t.Setenv("IPINFO_TOKEN", "tok")

	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Website.BaseURL)
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, "tok", cfg.IPInfo.Token)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing base url", "retry:\n  max_retries: 3\n", "website.base_url"},
		{"zero retries", "website:\n  base_url: https://x.io\nretry:\n  max_retries: 0\n", "retry.max_retries"},
		{"http timeout above overall", "website:\n  base_url: https://x.io\nanalyzer:\n  http_timeout: 40s\n", "analyzer.http_timeout"},
		{"unknown target pool", "website:\n  base_url: https://x.io\nanalyzer:\n  target_pool: nope\n", "analyzer.target_pool"},
		{"bad resolver ip", "website:\n  base_url: https://x.io\nanalyzer:\n  target_pool: a\n  pools:\n    a: [\"not-an-ip\"]\n", "invalid IP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
