package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage(RiskAlert, "risk", NewPayload(F("reason", "max_drawdown")))

	assert.NotEmpty(t, m.ID())
	assert.Equal(t, 5, m.Priority())
	assert.True(t, m.Broadcast())
	assert.False(t, m.Timestamp().IsZero())
	require.NoError(t, m.Validate())

	direct := NewMessage(MarketData, "feed", Payload{}, WithRecipient("engine"), WithPriority(4))
	assert.Equal(t, "engine", direct.Recipient())
	assert.False(t, direct.Broadcast())
	assert.Equal(t, 4, direct.Priority())
	assert.NotEqual(t, m.ID(), direct.ID())
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"unknown type", NewMessage(MessageTypeUnknown, "a", Payload{})},
		{"priority too low", NewMessage(MarketData, "a", Payload{}, WithPriority(0))},
		{"priority too high", NewMessage(MarketData, "a", Payload{}, WithPriority(6))},
		{"empty sender", NewMessage(MarketData, "", Payload{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.msg.Validate(), ErrInvalidMessage)
		})
	}
}

func TestParseMessageType(t *testing.T) {
	typ, err := ParseMessageType(" STRATEGY_UPDATE ")
	require.NoError(t, err)
	assert.Equal(t, StrategyUpdate, typ)

	for _, typ := range AllMessageTypes() {
		parsed, err := ParseMessageType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}

	_, err = ParseMessageType("heartbeat")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMessageWireRoundTrip(t *testing.T) {
	m := NewMessage(TradingSignal, "host", NewPayload(
		F("symbol", "BTC"),
		F("side", "buy"),
		F("size", 0.25),
	), WithRecipient("executor"))

	data, err := json.Marshal(m)
	require.NoError(t, err)

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m.ID(), got.ID())
	assert.Equal(t, m.Type(), got.Type())
	assert.Equal(t, m.Sender(), got.Sender())
	assert.Equal(t, "executor", got.Recipient())
	assert.Equal(t, m.Priority(), got.Priority())
	assert.True(t, m.Timestamp().Equal(got.Timestamp()))
	assert.Equal(t, []string{"symbol", "side", "size"}, got.Payload().Keys())

	_, err = DecodeMessage([]byte(`{"id":"x","type":"trading_signal","sender":"","priority":3}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = DecodeMessage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestPayloadOrderAndCopy(t *testing.T) {
	p := NewPayload(F("b", 1), F("a", 2), F("b", 3))
	assert.Equal(t, []string{"b", "a"}, p.Keys())
	v, ok := p.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	q := p.With("c", "x").With("a", 9)
	assert.Equal(t, []string{"b", "a", "c"}, q.Keys())
	a, _ := p.Float("a")
	assert.Equal(t, 2.0, a)
	a, _ = q.Float("a")
	assert.Equal(t, 9.0, a)
	assert.Equal(t, 2, p.Len())

	var zero Payload
	_, ok = zero.Get("anything")
	assert.False(t, ok)
	assert.Equal(t, "", zero.String("anything"))

	data, err := json.Marshal(q)
	require.NoError(t, err)
	assert.Equal(t, `{"b":3,"a":9,"c":"x"}`, string(data))

	var back Payload
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"b", "a", "c"}, back.Keys())

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &back))
}

func TestValidateBars(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	good := []Bar{
		{Timestamp: t0, Open: 1, Close: 1},
		{Timestamp: t0.Add(time.Hour), Open: 1, Close: 2},
	}
	require.NoError(t, ValidateBars(good))
	assert.Equal(t, Window{Start: t0, End: t0.Add(time.Hour), Bars: 2}, WindowOf(good))

	assert.ErrorIs(t, ValidateBars(nil), ErrInvalidWindow)
	assert.ErrorIs(t, ValidateBars([]Bar{good[1], good[0]}), ErrInvalidWindow)
	assert.ErrorIs(t, ValidateBars([]Bar{{Timestamp: t0, Close: 0}}), ErrInvalidWindow)
}

func TestBarFromPayload(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bar := Bar{Symbol: "ETH", Timestamp: ts, Open: 10, High: 12, Low: 9, Close: 11, Volume: 500}

	got, ok := BarFromPayload(bar.Payload(), time.Time{})
	require.True(t, ok)
	assert.Equal(t, "ETH", got.Symbol)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, 11.0, got.Close)
	assert.Equal(t, 500.0, got.Volume)

	fallback := time.Unix(100, 0)
	got, ok = BarFromPayload(NewPayload(F("close", 7)), fallback)
	require.True(t, ok)
	assert.Equal(t, 7.0, got.Open)
	assert.True(t, fallback.Equal(got.Timestamp))

	_, ok = BarFromPayload(NewPayload(F("open", 7)), fallback)
	assert.False(t, ok)
}
