package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/market"
)

// disableAfterFailures is the consecutive failure count at which a
// universe symbol is deactivated.
const disableAfterFailures = 5

// Postgres implements Store over a pooled sqlx connection.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres opens and pings the database.
func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Int("max_conns", maxConns).Msg("Postgres connected")
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection (tests use sqlmock).
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bars (
		symbol         TEXT             NOT NULL,
		timeframe      TEXT             NOT NULL,
		ts             TIMESTAMPTZ      NOT NULL,
		open           DOUBLE PRECISION NOT NULL,
		high           DOUBLE PRECISION NOT NULL,
		low            DOUBLE PRECISION NOT NULL,
		close          DOUBLE PRECISION NOT NULL,
		volume         DOUBLE PRECISION NOT NULL DEFAULT 0,
		adjusted_close DOUBLE PRECISION,
		source         TEXT             NOT NULL DEFAULT '',
		PRIMARY KEY (symbol, timeframe, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS fx_rates (
		base       TEXT             NOT NULL,
		quote      TEXT             NOT NULL,
		rate       DOUBLE PRECISION NOT NULL,
		source     TEXT             NOT NULL DEFAULT '',
		fetched_at TIMESTAMPTZ      NOT NULL,
		PRIMARY KEY (base, quote, fetched_at)
	)`,
	`CREATE TABLE IF NOT EXISTS universe (
		symbol               TEXT        PRIMARY KEY,
		region               TEXT        NOT NULL DEFAULT '',
		market_kind          TEXT        NOT NULL,
		asset_type           TEXT        NOT NULL DEFAULT '',
		priority             INT         NOT NULL DEFAULT 100,
		last_quote_update    TIMESTAMPTZ,
		last_ohlcv_update    TIMESTAMPTZ,
		consecutive_failures INT         NOT NULL DEFAULT 0,
		last_error           TEXT        NOT NULL DEFAULT '',
		is_active            BOOLEAN     NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_universe_quote_refresh
		ON universe (last_quote_update NULLS FIRST) WHERE is_active`,
}

// EnsureSchema creates the tables when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) UpsertBars(ctx context.Context, bars []market.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume, adjusted_close, source)
		VALUES (:symbol, :timeframe, :ts, :open, :high, :low, :close, :volume, :adjusted_close, :source)
		ON CONFLICT (symbol, timeframe, ts) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var written int64
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx, b)
		if err != nil {
			return written, fmt.Errorf("insert bar %s@%s: %w", b.Symbol, b.Timestamp, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			written += n
		}
	}
	if err := tx.Commit(); err != nil {
		return written, err
	}
	return written, nil
}

func (p *Postgres) BarsBetween(ctx context.Context, symbol string, tf market.Timeframe, start, end time.Time) ([]market.Bar, error) {
	var out []market.Bar
	err := p.db.SelectContext(ctx, &out, `
		SELECT symbol, timeframe, ts, open, high, low, close, volume,
		       COALESCE(adjusted_close, 0) AS adjusted_close, source
		FROM bars
		WHERE symbol = $1 AND timeframe = $2 AND ts BETWEEN $3 AND $4
		ORDER BY ts ASC`,
		symbol, string(tf), start, end)
	return out, err
}

func (p *Postgres) LatestBarTime(ctx context.Context, symbol string, tf market.Timeframe) (time.Time, error) {
	var ts sql.NullTime
	err := p.db.GetContext(ctx, &ts, `
		SELECT MAX(ts) FROM bars WHERE symbol = $1 AND timeframe = $2`,
		symbol, string(tf))
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

func (p *Postgres) SaveRates(ctx context.Context, rates []market.FXRate) error {
	if len(rates) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range rates {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO fx_rates (base, quote, rate, source, fetched_at)
			VALUES (:base, :quote, :rate, :source, :fetched_at)
			ON CONFLICT (base, quote, fetched_at) DO UPDATE SET rate = EXCLUDED.rate`,
			r); err != nil {
			return fmt.Errorf("insert rate %s/%s: %w", r.Base, r.Quote, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) LatestRate(ctx context.Context, base, quote string) (market.FXRate, error) {
	var out market.FXRate
	err := p.db.GetContext(ctx, &out, `
		SELECT base, quote, rate, source, fetched_at
		FROM fx_rates
		WHERE base = $1 AND quote = $2
		ORDER BY fetched_at DESC
		LIMIT 1`,
		base, quote)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("fx rate %s/%s: %w", base, quote, err)
	}
	return out, err
}

func (p *Postgres) LatestFetch(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	err := p.db.GetContext(ctx, &ts, `SELECT MAX(fetched_at) FROM fx_rates`)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

func (p *Postgres) UpsertSymbols(ctx context.Context, symbols []market.UniverseSymbol) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range symbols {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO universe (symbol, region, market_kind, asset_type, priority, is_active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			ON CONFLICT (symbol) DO UPDATE SET
				region = EXCLUDED.region,
				market_kind = EXCLUDED.market_kind,
				asset_type = EXCLUDED.asset_type,
				priority = EXCLUDED.priority`,
			s.Symbol, s.Region, string(s.Kind), s.AssetType, s.Priority); err != nil {
			return fmt.Errorf("upsert symbol %s: %w", s.Symbol, err)
		}
	}
	return tx.Commit()
}

const universeColumns = `symbol, region, market_kind, asset_type, priority,
	last_quote_update, last_ohlcv_update, consecutive_failures, last_error, is_active`

func (p *Postgres) ActiveSymbols(ctx context.Context, kinds []market.Kind) ([]market.UniverseSymbol, error) {
	query := `SELECT ` + universeColumns + ` FROM universe WHERE is_active`
	args := []interface{}{}
	if len(kinds) > 0 {
		ks := make([]string, len(kinds))
		for i, k := range kinds {
			ks[i] = string(k)
		}
		var err error
		query, args, err = sqlx.In(query+` AND market_kind IN (?)`, ks)
		if err != nil {
			return nil, err
		}
		query = p.db.Rebind(query)
	}
	query += ` ORDER BY priority ASC, symbol ASC`

	var out []market.UniverseSymbol
	err := p.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

func (p *Postgres) SymbolsForQuoteRefresh(ctx context.Context, limit int) ([]market.UniverseSymbol, error) {
	var out []market.UniverseSymbol
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+universeColumns+`
		FROM universe
		WHERE is_active
		ORDER BY last_quote_update ASC NULLS FIRST, priority ASC
		LIMIT $1`,
		limit)
	return out, err
}

func (p *Postgres) SymbolsForEOD(ctx context.Context, olderThan time.Time) ([]market.UniverseSymbol, error) {
	var out []market.UniverseSymbol
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+universeColumns+`
		FROM universe
		WHERE is_active AND (last_ohlcv_update IS NULL OR last_ohlcv_update < $1)
		ORDER BY priority ASC, symbol ASC`,
		olderThan)
	return out, err
}

func (p *Postgres) MarkQuoteUpdated(ctx context.Context, symbol string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE universe
		SET last_quote_update = $2, consecutive_failures = 0, last_error = ''
		WHERE symbol = $1`,
		symbol, at)
	return err
}

func (p *Postgres) MarkOHLCVUpdated(ctx context.Context, symbol string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE universe
		SET last_ohlcv_update = $2, consecutive_failures = 0, last_error = ''
		WHERE symbol = $1`,
		symbol, at)
	return err
}

func (p *Postgres) RecordFailure(ctx context.Context, symbol string, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE universe
		SET consecutive_failures = consecutive_failures + 1,
		    last_error = $2,
		    is_active = (consecutive_failures + 1) < $3
		WHERE symbol = $1`,
		symbol, reason, disableAfterFailures)
	if err == nil {
		log.Debug().Str("symbol", symbol).Str("reason", reason).Msg("Universe failure recorded")
	}
	return err
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
