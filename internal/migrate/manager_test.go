package migrate

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	sql := `
create table slips (code text primary key);
insert into slips(code) values ('has;semicolon');
`
	got := splitStatements(sql)
	want := []string{
		"create table slips (code text primary key)",
		"insert into slips(code) values ('has;semicolon')",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitStatements = %#v, want %#v", got, want)
	}
}

func TestListSQLOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_next.up.sql", "0001_init.up.sql", "0001_init.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := listSQL(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0001_init.up.sql", "0002_next.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("listSQL = %v, want %v", got, want)
	}
}

func TestListSQLMissingDir(t *testing.T) {
	got, err := listSQL(filepath.Join(t.TempDir(), "nope"), ".sql")
	if err != nil || got != nil {
		t.Fatalf("expected empty result for a missing directory, got %v, %v", got, err)
	}
}

func TestUpSkipsApplied(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("0001_init.up.sql", "create table slips (code text primary key);")
	write("0002_log.up.sql", "create table verification_log (id text primary key);")

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(`create table if not exists schema_history`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select name from schema_history where kind = \$1`).
		WithArgs(kindMigration).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	// Only the second file runs.
	mock.ExpectBegin()
	mock.ExpectExec(`create table verification_log`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(`insert into schema_history`).
		WithArgs(kindMigration, "0002_log.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	runner := NewRunner(db, dir, "")
	if err := runner.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
