package exchange

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/candles"
)

func TestBinanceCombinedStream(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000001000,"s":"BTCUSDT",
		"k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"37000.10","h":"37050.00",
		"l":"36990.5","c":"37020.25","v":"12.345","n":42,"x":true,"q":"456789.1","V":"6.1","Q":"225000.5","B":"0"}}}`)

	updates, err := BinanceParser{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, updates, 1)

	u := updates[0]
	assert.Equal(t, candles.Key{Symbol: "BTCUSDT", Timeframe: "1m", Exchange: "binance"}, u.Key)
	assert.Equal(t, 37000.10, u.Candle.Open)
	assert.Equal(t, 37050.0, u.Candle.High)
	assert.Equal(t, 36990.5, u.Candle.Low)
	assert.Equal(t, 37020.25, u.Candle.Close)
	assert.Equal(t, 12.345, u.Candle.Volume)
	assert.Equal(t, int64(1700000000000), u.Candle.Timestamp)
	assert.Equal(t, int64(1700000059999), u.Candle.CloseTime)
	assert.True(t, u.Candle.Closed)
}

func TestBinanceSingleStreamAndAck(t *testing.T) {
	raw := []byte(`{"e":"kline","s":"ETHUSDT","k":{"t":1,"T":2,"i":"5m","o":"1","h":"2","l":"0.5","c":"1.5","v":"3","x":false}}`)
	updates, err := BinanceParser{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "5m", updates[0].Key.Timeframe)
	assert.False(t, updates[0].Candle.Closed)

	updates, err = BinanceParser{}.Parse([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestBinanceMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"stream":`,
		"bad price":     `{"stream":"x@kline_1m","data":{"e":"kline","s":"X","k":{"t":1,"i":"1m","o":"abc","h":"1","l":"1","c":"1","v":"1"}}}`,
		"missing kline": `{"stream":"x@kline_1m","data":{"e":"kline","s":"X"}}`,
		"missing open":  `{"stream":"x@kline_1m","data":{"e":"kline","s":"X","k":{"t":1,"i":"1m","h":"1","l":"1","c":"1","v":"1"}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BinanceParser{}.Parse([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}

	_, err := BinanceParser{}.Parse([]byte(`{"stream":"x@trade","data":{"e":"trade","s":"X"}}`))
	assert.ErrorIs(t, err, ErrUnsupportedEnvelope)
}

func TestBinanceStreamURL(t *testing.T) {
	keys := []candles.Key{candles.NewKey("btcusdt", "1m", "binance"), candles.NewKey("ETHUSDT", "1h", "binance")}
	url := BinanceParser{}.StreamURL("wss://stream.binance.com:9443/", keys)
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt@kline_1m/ethusdt@kline_1h", url)

	frames, err := BinanceParser{}.SubscribeFrames(keys)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Nil(t, BinanceParser{}.PingFrame())
}

func TestBybitTopicFormat(t *testing.T) {
	raw := []byte(`{"topic":"kline.60.SOLUSDT","type":"snapshot","ts":1700003600000,"data":[
		{"start":1700000000000,"end":1700003599999,"interval":"60","open":"55.1","high":"56","low":"54.9","close":"55.8","volume":"1000","turnover":"55000","confirm":false},
		{"start":1700000000000,"end":1700003599999,"open":"55.1","high":"56.2","low":"54.9","close":"56.1","volume":"1200","confirm":true}]}`)

	updates, err := BybitParser{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	want := candles.Key{Symbol: "SOLUSDT", Timeframe: "1h", Exchange: "bybit"}
	assert.Equal(t, want, updates[0].Key)
	assert.Equal(t, want, updates[1].Key, "interval falls back to the topic")
	assert.False(t, updates[0].Candle.Closed)
	assert.True(t, updates[1].Candle.Closed)
	assert.Equal(t, 56.1, updates[1].Candle.Close)
	assert.Equal(t, int64(1700003599999), updates[1].Candle.CloseTime)
}

func TestBybitControlAndMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"op":"pong","success":true}`,
		`{"op":"subscribe","success":true,"ret_msg":""}`,
	} {
		updates, err := BybitParser{}.Parse([]byte(raw))
		require.NoError(t, err)
		assert.Empty(t, updates)
	}

	_, err := BybitParser{}.Parse([]byte(`{"topic":"orderbook.50.BTCUSDT","data":{}}`))
	assert.ErrorIs(t, err, ErrUnsupportedEnvelope)

	_, err = BybitParser{}.Parse([]byte(`{"topic":"kline.1.BTCUSDT","data":{"start":1}}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = BybitParser{}.Parse([]byte(`{"topic":"kline.7.BTCUSDT","data":[{"start":1,"open":"1","high":"1","low":"1","close":"1","volume":"1"}]}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestBybitFrames(t *testing.T) {
	keys := []candles.Key{candles.NewKey("BTCUSDT", "1m", "bybit"), candles.NewKey("ethusdt", "4h", "bybit")}
	frames, err := BybitParser{}.SubscribeFrames(keys)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var frame struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "subscribe", frame.Op)
	assert.Equal(t, []string{"kline.1.BTCUSDT", "kline.240.ETHUSDT"}, frame.Args)

	assert.JSONEq(t, `{"op":"ping"}`, string(BybitParser{}.PingFrame()))

	_, err = BybitParser{}.SubscribeFrames([]candles.Key{candles.NewKey("BTCUSDT", "7m", "bybit")})
	assert.ErrorIs(t, err, ErrUnknownTimeframe)
}

func TestParserFor(t *testing.T) {
	p, err := ParserFor("Binance")
	require.NoError(t, err)
	assert.Equal(t, Binance, p.Exchange())

	p, err = ParserFor("bybit")
	require.NoError(t, err)
	assert.Equal(t, Bybit, p.Exchange())

	_, err = ParserFor("kraken")
	assert.ErrorIs(t, err, ErrUnknownExchange)
}
