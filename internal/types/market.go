package types

import (
	"fmt"
	"time"
)

// Bar is one OHLCV interval of market data.
type Bar struct {
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Window identifies the interval a fitness result was computed over.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Bars  int       `json:"bars"`
}

func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End) && w.Bars == o.Bars
}

// WindowOf describes bars; it does not validate them.
func WindowOf(bars []Bar) Window {
	if len(bars) == 0 {
		return Window{}
	}
	return Window{Start: bars[0].Timestamp, End: bars[len(bars)-1].Timestamp, Bars: len(bars)}
}

// ValidateBars rejects empty windows, non-increasing timestamps and
// non-positive closes.
func ValidateBars(bars []Bar) error {
	if len(bars) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidWindow)
	}
	for i, b := range bars {
		if b.Close <= 0 || b.Open < 0 || b.Volume < 0 {
			return fmt.Errorf("%w: bar %d has invalid prices", ErrInvalidWindow, i)
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: timestamps not increasing at bar %d", ErrInvalidWindow, i)
		}
	}
	return nil
}

// BarFromPayload reads a MARKET_DATA payload.
func BarFromPayload(p Payload, fallback time.Time) (Bar, bool) {
	closePrice, ok := p.Float("close")
	if !ok {
		return Bar{}, false
	}
	b := Bar{Symbol: p.String("symbol"), Close: closePrice, Timestamp: fallback}
	b.Open, _ = p.Float("open")
	b.High, _ = p.Float("high")
	b.Low, _ = p.Float("low")
	b.Volume, _ = p.Float("volume")
	if ts, ok := p.Float("ts_unix_millis"); ok {
		b.Timestamp = time.UnixMilli(int64(ts))
	}
	if b.Open == 0 {
		b.Open = closePrice
	}
	return b, true
}

// Payload renders b as a MARKET_DATA payload.
func (b Bar) Payload() Payload {
	return NewPayload(
		F("symbol", b.Symbol),
		F("ts_unix_millis", b.Timestamp.UnixMilli()),
		F("open", b.Open),
		F("high", b.High),
		F("low", b.Low),
		F("close", b.Close),
		F("volume", b.Volume),
	)
}

// Action is what a decision function asks the simulator to do.
type Action int

const (
	Hold Action = iota
	Enter
	Exit
)

func (a Action) String() string {
	switch a {
	case Enter:
		return "buy"
	case Exit:
		return "sell"
	default:
		return "hold"
	}
}

// PositionView is the read-only position state a decision sees.
type PositionView struct {
	Open       bool
	EntryPrice float64
	Size       float64 // fraction of equity committed at entry
}

// Decision is the output of a decision function for one bar.
type Decision struct {
	Action Action
	Size   float64 // fraction of equity, only meaningful for Enter
	Score  float64
}

// DecisionFunc sees bars up to and including the current one. It must be
// pure: same inputs, same decision.
type DecisionFunc func(history []Bar, pos PositionView) Decision
