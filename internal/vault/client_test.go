package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/config"
)

func TestDisabledVaultHasNoCredentials(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.GetCredentials(ctx, "alice", "binance")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.IsEnabled())
	assert.NoError(t, c.Health(ctx))
}

func TestReadsKVv2SecretAndCaches(t *testing.T) {
	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/signal-engine/alice/binance":
			reads.Add(1)
			assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
			_, _ = w.Write([]byte(`{"data":{"data":{"api_key":"AK","secret_key":"SK","is_testnet":true},"metadata":{"version":1}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "test-token",
		MountPath:  "secret",
		SecretPath: "signal-engine",
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		creds, err := c.GetCredentials(ctx, "alice", "binance")
		require.NoError(t, err)
		assert.Equal(t, "AK", creds.APIKey)
		assert.Equal(t, "SK", creds.SecretKey)
		assert.True(t, creds.IsTestnet)
	}
	assert.Equal(t, int32(1), reads.Load())

	_, err = c.GetCredentials(ctx, "bob", "binance")
	assert.ErrorIs(t, err, ErrNotFound)
}
