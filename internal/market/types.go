// Package market defines the canonical data model shared by every
// component: quotes, OHLCV bars, timeframes, market kinds, data types,
// FX rates, gaps, and trading calendars.
package market

import (
	"fmt"
	"time"
)

// Kind identifies a market segment. Providers declare which kinds they
// cover; the failover manager routes by (Kind, DataType).
type Kind string

const (
	KindUSStock   Kind = "us_stock"
	KindEUStock   Kind = "eu_stock"
	KindAsiaStock Kind = "asia_stock"
	KindETF       Kind = "etf"
	KindCrypto    Kind = "crypto"
	KindFX        Kind = "fx"
	KindIndex     Kind = "index"
)

// DataType identifies one class of data a provider can serve.
type DataType string

const (
	DataTypeQuote      DataType = "quote"
	DataTypeHistorical DataType = "historical"
	DataTypeFXRates    DataType = "fx_rates"
	DataTypeStream     DataType = "stream"
)

// Timeframe is the bar interval identifier. The string forms double as
// the persisted representation in the bar store.
type Timeframe string

const (
	TF1Min    Timeframe = "1min"
	TF5Min    Timeframe = "5min"
	TF15Min   Timeframe = "15min"
	TF30Min   Timeframe = "30min"
	TF1Hour   Timeframe = "1h"
	TF4Hour   Timeframe = "4h"
	TFDaily   Timeframe = "1d"
	TFWeekly  Timeframe = "1w"
	TFMonthly Timeframe = "1mo"
)

// Duration returns the nominal bar duration. Monthly bars use a fixed
// 30-day approximation.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1Min:
		return time.Minute
	case TF5Min:
		return 5 * time.Minute
	case TF15Min:
		return 15 * time.Minute
	case TF30Min:
		return 30 * time.Minute
	case TF1Hour:
		return time.Hour
	case TF4Hour:
		return 4 * time.Hour
	case TFDaily:
		return 24 * time.Hour
	case TFWeekly:
		return 7 * 24 * time.Hour
	case TFMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Intraday reports whether the timeframe is finer than one day.
func (tf Timeframe) Intraday() bool {
	return tf.Duration() < 24*time.Hour
}

// Quote is a point-in-time snapshot for a single symbol. Optional
// level-1 and day-range fields are zero when the provider does not
// supply them.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Kind      Kind      `json:"kind"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	BidSize   float64   `json:"bid_size,omitempty"`
	AskSize   float64   `json:"ask_size,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	PrevClose float64   `json:"prev_close,omitempty"`
	Change    float64   `json:"change,omitempty"`
	ChangePct float64   `json:"change_pct,omitempty"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
	Currency  string    `json:"currency,omitempty"`
	Exchange  string    `json:"exchange,omitempty"`
}

// Bar is one OHLCV candle. (Symbol, Timeframe, Timestamp) uniquely
// identifies a bar; timestamps are UTC bar-open instants.
type Bar struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Timeframe Timeframe `json:"timeframe" db:"timeframe"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
	AdjClose  float64   `json:"adj_close,omitempty" db:"adjusted_close"`
	VWAP      float64   `json:"vwap,omitempty" db:"-"`
	Provider  string    `json:"provider" db:"source"`
}

// Validate checks the OHLCV price invariants: low <= min(open, close),
// high >= max(open, close), high >= low, volume >= 0.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if b.High < b.Low {
		return fmt.Errorf("bar %s@%s: high %.8f < low %.8f", b.Symbol, b.Timestamp.Format(time.RFC3339), b.High, b.Low)
	}
	if b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("bar %s@%s: low %.8f above open/close", b.Symbol, b.Timestamp.Format(time.RFC3339), b.Low)
	}
	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar %s@%s: high %.8f below open/close", b.Symbol, b.Timestamp.Format(time.RFC3339), b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume", b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// FXRate is one directed currency pair rate, quantized to 8 decimal
// places before persistence.
type FXRate struct {
	Base      string    `json:"base" db:"base"`
	Quote     string    `json:"quote" db:"quote"`
	Rate      float64   `json:"rate" db:"rate"`
	Source    string    `json:"source" db:"source"`
	FetchedAt time.Time `json:"fetched_at" db:"fetched_at"`
}

// Gap describes a contiguous interval of trading time for which bars
// are expected but missing.
type Gap struct {
	Symbol       string    `json:"symbol"`
	Timeframe    Timeframe `json:"timeframe"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	ExpectedBars int       `json:"expected_bars"`
	ActualBars   int       `json:"actual_bars"`
}

// UniverseSymbol is one row of the curated collection universe.
type UniverseSymbol struct {
	Symbol              string     `json:"symbol" db:"symbol"`
	Region              string     `json:"region" db:"region"`
	Kind                Kind       `json:"kind" db:"market_kind"`
	AssetType           string     `json:"asset_type" db:"asset_type"`
	Priority            int        `json:"priority" db:"priority"`
	LastQuoteUpdate     *time.Time `json:"last_quote_update" db:"last_quote_update"`
	LastOHLCVUpdate     *time.Time `json:"last_ohlcv_update" db:"last_ohlcv_update"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastError           string     `json:"last_error" db:"last_error"`
	Active              bool       `json:"is_active" db:"is_active"`
}
