package bar_repo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

func newMockRepo(t *testing.T) (BarRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewBarRepository(sqlx.NewDb(db, "postgres")), mock
}

var ts = time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)

func testBar() types.Bar {
	d := decimal.RequireFromString
	return types.Bar{
		Symbol: "BTC-USDT", Period: period.M5, BarTime: ts,
		Open: d("100"), High: d("109"), Low: d("99"), Close: d("103"), Volume: d("5000"),
		SourceCount: 5,
	}
}

func TestSaveInsertedAndConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	insert := regexp.QuoteMeta("INSERT INTO bars")

	mock.ExpectExec(insert).
		WithArgs("BTC-USDT", "5m", ts, "100", "109", "99", "103", "5000", 5).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insert).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Save(context.Background(), testBar())
	if err != nil || !inserted {
		t.Fatalf("first save = %v, %v", inserted, err)
	}
	inserted, err = repo.Save(context.Background(), testBar())
	if err != nil || inserted {
		t.Fatalf("conflicting save = %v, %v", inserted, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExists(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("BTC-USDT", "1m", ts).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.Exists(context.Background(), "BTC-USDT", period.M1, ts)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestQueryScansBars(t *testing.T) {
	repo, mock := newMockRepo(t)
	cols := []string{"symbol", "period", "bar_time", "open", "high", "low", "close", "volume", "source_count"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM bars")).
		WithArgs("BTC-USDT", "5m", ts, ts.Add(10*time.Minute)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("BTC-USDT", "5m", ts, "100", "109", "99", "103", "5000", 5).
			AddRow("BTC-USDT", "5m", ts.Add(5*time.Minute), "103", "104", "101", "102.5", "10.25", 5))

	bars, err := repo.Query(context.Background(), "BTC-USDT", period.M5, ts, ts.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 {
		t.Fatalf("len = %d", len(bars))
	}
	if bars[1].Period != period.M5 || !bars[1].Close.Equal(decimal.RequireFromString("102.5")) || bars[1].SourceCount != 5 {
		t.Errorf("bar = %s", bars[1])
	}
}

func TestQueryDistinctTimestamps(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT bar_time")).
		WillReturnRows(sqlmock.NewRows([]string{"bar_time"}).AddRow(ts).AddRow(ts.Add(time.Minute)))

	stamps, err := repo.QueryDistinctTimestamps(context.Background(), "BTC-USDT", period.M1, ts, ts.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stamps) != 2 || !stamps[1].Equal(ts.Add(time.Minute)) {
		t.Errorf("stamps = %v", stamps)
	}
}

func TestQueryLatestWrapsErrors(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY bar_time DESC")).
		WillReturnError(context.DeadlineExceeded)

	_, err := repo.QueryLatest(context.Background(), "BTC-USDT", period.M5, 10)
	if err == nil || !regexp.MustCompile(`^BarRepo\.QueryLatest: `).MatchString(err.Error()) {
		t.Errorf("err = %v", err)
	}
}
