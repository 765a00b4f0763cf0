// Package store persists bars, FX rates, and the collection universe.
// The Postgres implementation is the production backend; interfaces
// keep the collectors testable against sqlmock.
package store

import (
	"context"
	"time"

	"github.com/sawpanic/quotewire/internal/market"
)

// BarStore persists OHLCV history.
type BarStore interface {
	// UpsertBars inserts bars, ignoring rows whose
	// (symbol, timeframe, ts) key already exists. It returns the number
	// of rows actually written.
	UpsertBars(ctx context.Context, bars []market.Bar) (int64, error)

	// BarsBetween returns stored bars ascending by timestamp over
	// [start, end].
	BarsBetween(ctx context.Context, symbol string, tf market.Timeframe, start, end time.Time) ([]market.Bar, error)

	// LatestBarTime returns the newest stored bar instant, or the zero
	// time when none exist.
	LatestBarTime(ctx context.Context, symbol string, tf market.Timeframe) (time.Time, error)
}

// FXStore persists currency rates.
type FXStore interface {
	SaveRates(ctx context.Context, rates []market.FXRate) error

	// LatestRate returns the newest stored rate for the pair.
	LatestRate(ctx context.Context, base, quote string) (market.FXRate, error)

	// LatestFetch returns when rates were last written, for startup
	// freshness checks.
	LatestFetch(ctx context.Context) (time.Time, error)
}

// UniverseStore manages the curated symbol collection set.
type UniverseStore interface {
	UpsertSymbols(ctx context.Context, symbols []market.UniverseSymbol) error
	ActiveSymbols(ctx context.Context, kinds []market.Kind) ([]market.UniverseSymbol, error)

	// SymbolsForQuoteRefresh returns active symbols ordered stalest
	// first; never-updated symbols come before everything else.
	SymbolsForQuoteRefresh(ctx context.Context, limit int) ([]market.UniverseSymbol, error)

	// SymbolsForEOD returns active symbols whose daily history is older
	// than the cutoff.
	SymbolsForEOD(ctx context.Context, olderThan time.Time) ([]market.UniverseSymbol, error)

	MarkQuoteUpdated(ctx context.Context, symbol string, at time.Time) error
	MarkOHLCVUpdated(ctx context.Context, symbol string, at time.Time) error

	// RecordFailure bumps the consecutive failure count and deactivates
	// the symbol once it crosses the disable threshold.
	RecordFailure(ctx context.Context, symbol string, reason string) error
}

// Store is the combined persistence surface.
type Store interface {
	BarStore
	FXStore
	UniverseStore
	Close() error
}
