package postgres

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestParseMigrationFilename(t *testing.T) {
	id, name, err := parseMigrationFilename("002_create_bar_subscriptions.sql")
	if err != nil || id != 2 || name != "create bar subscriptions" {
		t.Errorf("got %d %q %v", id, name, err)
	}
	for _, bad := range []string{"create.sql", "abc_name.sql", "000_zero.sql", "003_.sql"} {
		if _, _, err := parseMigrationFilename(bad); err == nil {
			t.Errorf("%s accepted", bad)
		}
	}
}

func TestSplitMigration(t *testing.T) {
	up, down := splitMigration("-- Description: x\nCREATE TABLE a();\n-- DOWN Migration\nDROP TABLE a;\n")
	if !strings.HasSuffix(up, "CREATE TABLE a();") || down != "DROP TABLE a;" {
		t.Errorf("up=%q down=%q", up, down)
	}
	up, down = splitMigration("CREATE TABLE b();")
	if up != "CREATE TABLE b();" || down != "" {
		t.Errorf("up=%q down=%q", up, down)
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	m := NewMigrator(nil)
	if err := m.LoadMigrations(MigrationsFS("")); err != nil {
		t.Fatal(err)
	}
	ids := m.orderedIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("ids = %v", ids)
	}
	bars := m.migrations[1]
	if !strings.Contains(bars.UpSQL, "UNIQUE (symbol, period, bar_time)") {
		t.Error("bars migration lacks unique key")
	}
	if strings.Contains(bars.UpSQL, "DROP TABLE") || !strings.Contains(bars.DownSQL, "DROP TABLE IF EXISTS bars") {
		t.Error("UP/DOWN sections not separated")
	}
}

func newMockMigrator(t *testing.T) (*Migrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	m := NewMigrator(sqlx.NewDb(db, "postgres"))
	fsys := fstest.MapFS{
		"001_create_bars.sql": {Data: []byte("-- Description: bars\nCREATE TABLE bars (id INT);\n-- DOWN Migration\nDROP TABLE bars;\n")},
		"README.md":           {Data: []byte("not a migration")},
	}
	if err := m.LoadMigrations(fsys); err != nil {
		t.Fatal(err)
	}
	return m, mock
}

func TestMigrateAppliesPending(t *testing.T) {
	m, mock := newMockMigrator(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, applied_at, checksum FROM migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE bars (id INT);")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO migrations")).
		WithArgs(1, "create bars", "bars", m.migrations[1].Checksum).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := m.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMigrateChecksumMismatch(t *testing.T) {
	m, mock := newMockMigrator(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, applied_at, checksum FROM migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "create bars", nil, "stale"))

	err := m.Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("err = %v", err)
	}
}

func TestStatus(t *testing.T) {
	m, mock := newMockMigrator(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, applied_at, checksum FROM migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "create bars", nil, m.migrations[1].Checksum))

	statuses, err := m.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || !statuses[0].Applied || statuses[0].Status != "applied" {
		t.Errorf("statuses = %+v", statuses)
	}
}
