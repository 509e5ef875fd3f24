package engine

import (
	"time"

	"signal-engine/internal/candles"
	"signal-engine/internal/strategy"
)

// MessageType is the "type" field of a downstream client message.
type MessageType string

const (
	MsgConnected    MessageType = "connected"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgDisconnected MessageType = "disconnected"
	MsgError        MessageType = "error"
	MsgStatus       MessageType = "status"
	MsgSignal       MessageType = "signal"
)

// StrategyDetail describes one monitored strategy in the connected message.
type StrategyDetail struct {
	ID        int64                 `json:"id"`
	Name      string                `json:"name"`
	Symbol    string                `json:"symbol"`
	Timeframe string                `json:"timeframe"`
	Type      strategy.StrategyType `json:"strategyType"`
}

// ClientMessage is one JSON frame sent to the downstream client. Only the
// fields of the given type are set.
type ClientMessage struct {
	Type             MessageType      `json:"type"`
	Streams          []string         `json:"streams,omitempty"`
	Strategies       int              `json:"strategies,omitempty"`
	StrategyDetails  []StrategyDetail `json:"strategyDetails,omitempty"`
	ReconnectAttempt int              `json:"reconnectAttempt,omitempty"`
	NextRetryIn      int64            `json:"nextRetryIn,omitempty"` // milliseconds
	Message          string           `json:"message,omitempty"`
	Signal           *strategy.Signal `json:"signal,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

func connectedMessage(keys []candles.Key, defs []*strategy.Definition, at time.Time) ClientMessage {
	streams := make([]string, len(keys))
	for i, k := range keys {
		streams[i] = k.String()
	}
	details := make([]StrategyDetail, len(defs))
	for i, d := range defs {
		details[i] = StrategyDetail{ID: d.ID, Name: d.Name, Symbol: d.Symbol, Timeframe: d.Timeframe, Type: d.Type}
	}
	return ClientMessage{
		Type:            MsgConnected,
		Streams:         streams,
		Strategies:      len(defs),
		StrategyDetails: details,
		Timestamp:       at,
	}
}

// ErrorMessage builds the coarse error frame shown to clients.
func ErrorMessage(text string) ClientMessage {
	return ClientMessage{Type: MsgError, Message: text, Timestamp: time.Now()}
}

// SignalMessage wraps a stored signal for its owner's clients.
func SignalMessage(sig *strategy.Signal) ClientMessage {
	return ClientMessage{Type: MsgSignal, Signal: sig, Timestamp: time.Now()}
}
