package config

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildURL(t *testing.T) {
	testCases := []struct {
		name     string
		config   SSConfig
		expected string
		wantErr  bool
	}{
		{
			name: "Full config with prefix",
			config: SSConfig{
				Server:     "admin.c1.havij.co",
				ServerPort: 443,
				Method:     "chacha20-ietf-poly1305",
				Password:   "WhRZ2CeMR5RCgsw1",
				Prefix:     "POST%20x2a8a1eO",
			},
			expected: "ss://Y2hhY2hhMjAtaWV0Zi1wb2x5MTMwNTpXaFJaMkNlTVI1UkNnc3cx@admin.c1.havij.co:443?prefix=POST%2520x2a8a1eO",
		},
		{
			name:    "Missing server",
			config:  SSConfig{Method: "chacha20-ietf-poly1305", Password: "x"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.config.BuildURL()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestParseSSConfig(t *testing.T) {
	jsonConfig := `{
		"server": "admin.c1.havij.co",
		"server_port": 443,
		"method": "chacha20-ietf-poly1305",
		"password": "WhRZ2CeMR5RCgsw1",
		"prefix": "POST%20x2a8a1eO"
	}`

	expected := "ss://Y2hhY2hhMjAtaWV0Zi1wb2x5MTMwNTpXaFJaMkNlTVI1UkNnc3cx@admin.c1.havij.co:443?prefix=POST%2520x2a8a1eO"

	got, err := ParseSSConfig(jsonConfig)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestResolveTransport(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/plain":
			fmt.Fprintln(w, "ss://abc@example.com:8388")
		case "/json":
			fmt.Fprint(w, `{"server":"example.com","server_port":8388,"method":"aes-256-gcm","password":"pw"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	base := "ssconfig://" + strings.TrimPrefix(srv.URL, "https://")
	ctx := context.Background()

	got, err := ResolveTransport(ctx, srv.Client(), "")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ResolveTransport(ctx, srv.Client(), "socks5://127.0.0.1:1080")
	require.NoError(t, err)
	assert.Equal(t, "socks5://127.0.0.1:1080", got)

	got, err = ResolveTransport(ctx, srv.Client(), base+"/plain")
	require.NoError(t, err)
	assert.Equal(t, "ss://abc@example.com:8388", got)

	got, err = ResolveTransport(ctx, srv.Client(), base+"/json")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "ss://"))
	assert.True(t, strings.HasSuffix(got, "@example.com:8388"))

	_, err = ResolveTransport(ctx, srv.Client(), base+"/missing")
	require.Error(t, err)
}
