package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/quotewire/internal/market"
)

func mockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(sqlx.NewDb(db, "postgres")), mock
}

func TestUpsertBarsSkipsDuplicates(t *testing.T) {
	p, mock := mockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO bars")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, ignored
	mock.ExpectCommit()

	ts := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	bars := []market.Bar{
		{Symbol: "AAPL", Timeframe: market.TFDaily, Timestamp: ts, Open: 1, High: 2, Low: 1, Close: 2, Volume: 10, Provider: "alphax"},
		{Symbol: "AAPL", Timeframe: market.TFDaily, Timestamp: ts, Open: 1, High: 2, Low: 1, Close: 2, Volume: 10, Provider: "alphax"},
	}
	written, err := p.UpsertBars(context.Background(), bars)
	require.NoError(t, err)
	assert.EqualValues(t, 1, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBarsEmptyIsNoop(t *testing.T) {
	p, mock := mockStore(t)
	written, err := p.UpsertBars(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBarsBetweenOrdersAscending(t *testing.T) {
	p, mock := mockStore(t)

	ts1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	ts2 := ts1.AddDate(0, 0, 1)
	rows := sqlmock.NewRows([]string{"symbol", "timeframe", "ts", "open", "high", "low", "close", "volume", "adjusted_close", "source"}).
		AddRow("AAPL", "1d", ts1, 1.0, 2.0, 1.0, 2.0, 10.0, 2.0, "alphax").
		AddRow("AAPL", "1d", ts2, 2.0, 3.0, 2.0, 3.0, 11.0, 3.0, "alphax")
	mock.ExpectQuery("SELECT symbol, timeframe, ts,.+FROM bars").
		WithArgs("AAPL", "1d", ts1, ts2).
		WillReturnRows(rows)

	got, err := p.BarsBetween(context.Background(), "AAPL", market.TFDaily, ts1, ts2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestBarTimeZeroWhenEmpty(t *testing.T) {
	p, mock := mockStore(t)

	mock.ExpectQuery(`SELECT MAX\(ts\) FROM bars`).
		WithArgs("AAPL", "1d").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	ts, err := p.LatestBarTime(context.Background(), "AAPL", market.TFDaily)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestSaveAndLatestRate(t *testing.T) {
	p, mock := mockStore(t)

	fetched := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO fx_rates").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.SaveRates(context.Background(), []market.FXRate{
		{Base: "EUR", Quote: "USD", Rate: 1.05, Source: "openfx", FetchedAt: fetched},
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT base, quote, rate, source, fetched_at").
		WithArgs("EUR", "USD").
		WillReturnRows(sqlmock.NewRows([]string{"base", "quote", "rate", "source", "fetched_at"}).
			AddRow("EUR", "USD", 1.05, "openfx", fetched))

	r, err := p.LatestRate(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	assert.Equal(t, 1.05, r.Rate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSymbolsForQuoteRefreshStalestFirst(t *testing.T) {
	p, mock := mockStore(t)

	cols := []string{"symbol", "region", "market_kind", "asset_type", "priority",
		"last_quote_update", "last_ohlcv_update", "consecutive_failures", "last_error", "is_active"}
	mock.ExpectQuery(`ORDER BY last_quote_update ASC NULLS FIRST`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("MSFT", "US", "us_stock", "stock", 1, nil, nil, 0, "", true).
			AddRow("AAPL", "US", "us_stock", "stock", 1, time.Now(), nil, 0, "", true))

	got, err := p.SymbolsForQuoteRefresh(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "MSFT", got[0].Symbol, "never-updated symbols come first")
	assert.Nil(t, got[0].LastQuoteUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureDeactivatesAtThreshold(t *testing.T) {
	p, mock := mockStore(t)

	mock.ExpectExec("UPDATE universe").
		WithArgs("AAPL", "timeout", disableAfterFailures).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.RecordFailure(context.Background(), "AAPL", "timeout"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkQuoteUpdatedClearsFailures(t *testing.T) {
	p, mock := mockStore(t)

	at := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE universe").
		WithArgs("AAPL", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.MarkQuoteUpdated(context.Background(), "AAPL", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaRunsAllStatements(t *testing.T) {
	p, mock := mockStore(t)

	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, p.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
