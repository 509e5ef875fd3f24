package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// NewContext returns ctx carrying l.
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext retrieves the logger from context, or a disabled logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// StrategyContext tags l with a strategy's identity.
func StrategyContext(l zerolog.Logger, strategyID int64, symbol, timeframe string) zerolog.Logger {
	return l.With().
		Int64("strategy_id", strategyID).
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Logger()
}

// StreamContext tags l with an upstream connection.
func StreamContext(l zerolog.Logger, exchange, sessionID string) zerolog.Logger {
	return l.With().
		Str("exchange", exchange).
		Str("session_id", sessionID).
		Logger()
}

// SignalContext tags l with a signal's identity.
func SignalContext(l zerolog.Logger, strategyID int64, symbol, signalType string) zerolog.Logger {
	return l.With().
		Int64("strategy_id", strategyID).
		Str("symbol", symbol).
		Str("signal_type", signalType).
		Logger()
}

// GinMiddleware attaches a request logger to the context and logs
// completion.
func GinMiddleware(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := base.With().
			Str("component", "http").
			Str("trace_id", traceID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("remote_addr", c.ClientIP()).
			Logger()
		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), l))
		c.Header("X-Trace-ID", traceID)

		c.Next()

		l.Info().
			Int("status_code", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	}
}
