package logging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestNewWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", Component: "engine", JSONFormat: true}, &buf)

	l.Debug().Msg("hidden")
	l.Info().Str("symbol", "BTCUSDT").Msg("started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "BTCUSDT", entry["symbol"])
	assert.Equal(t, "started", entry["message"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{JSONFormat: true}, &buf)
	ctx := NewContext(context.Background(), StrategyContext(l, 9, "ETHUSDT", "5m"))

	FromContext(ctx).Info().Msg("hello")
	assert.Contains(t, buf.String(), `"strategy_id":9`)
	assert.Contains(t, buf.String(), `"timeframe":"5m"`)

	// no logger attached: disabled logger, no panic
	FromContext(context.Background()).Info().Msg("dropped")
}

func TestGinMiddlewareSetsTraceHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinMiddleware(NewWithWriter(&Config{JSONFormat: true}, &buf)))
	r.GET("/ping", func(c *gin.Context) {
		FromContext(c.Request.Context()).Info().Msg("inside")
		c.String(http.StatusOK, "pong")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Trace-ID", "trace-1")
	r.ServeHTTP(rec, req)

	assert.Equal(t, "trace-1", rec.Header().Get("X-Trace-ID"))
	assert.Contains(t, buf.String(), `"trace_id":"trace-1"`)
	assert.Contains(t, buf.String(), "Request completed")
}
