package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

type doc struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	var got doc
	if err := store.Read(ctx, []string{"session", "missing"}, &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(missing) error = %v, want ErrNotFound", err)
	}

	writes := map[string][]string{
		"a":  {"session", "a"},
		"m2": {"message", "s1", "m2"},
		"m1": {"message", "s1", "m1"},
		"x":  {"message", "s10", "m1"},
	}
	for name, key := range writes {
		if err := store.Write(ctx, key, doc{Name: name}); err != nil {
			t.Fatalf("Write(%v) error = %v", key, err)
		}
	}

	if err := store.Read(ctx, []string{"session", "a"}, &got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Name != "a" {
		t.Fatalf("Read() = %+v", got)
	}

	keys, err := store.List(ctx, []string{"message", "s1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := [][]string{{"message", "s1", "m1"}, {"message", "s1", "m2"}}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("List() = %v, want %v", keys, want)
	}

	all, err := store.List(ctx, nil)
	if err != nil {
		t.Fatalf("List(all) error = %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("List(all) returned %d keys, want 4", len(all))
	}

	var updated doc
	err = store.Update(ctx, []string{"session", "a"}, &updated, func() error {
		updated.N++
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := store.Read(ctx, []string{"session", "a"}, &got); err != nil || got.N != 1 {
		t.Fatalf("after Update got %+v, %v", got, err)
	}

	boom := errors.New("boom")
	err = store.Update(ctx, []string{"session", "a"}, &updated, func() error {
		updated.N = 100
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	if err := store.Read(ctx, []string{"session", "a"}, &got); err != nil || got.N != 1 {
		t.Fatalf("failed Update must not write, got %+v", got)
	}

	if err := store.Update(ctx, []string{"session", "nope"}, &updated, func() error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(missing) error = %v", err)
	}

	if err := store.Remove(ctx, []string{"session", "a"}); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := store.Remove(ctx, []string{"session", "a"}); err != nil {
		t.Fatalf("Remove(missing) error = %v", err)
	}
	if err := store.Read(ctx, []string{"session", "a"}, &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(removed) error = %v", err)
	}

	for _, bad := range [][]string{nil, {"session", ""}, {"session", ".."}, {"a/b"}, {`a\b`}} {
		if err := store.Write(ctx, bad, doc{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Write(%q) error = %v, want ErrInvalidKey", bad, err)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	testStoreContract(t, store)
}

func TestFileStoreLayout(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Write(context.Background(), []string{"part", "msg_1", "prt_1"}, doc{Name: "p"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(root, "storage", "part", "msg_1", "*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || filepath.Base(matches[0]) != "prt_1.json" {
		t.Fatalf("unexpected files %v", matches)
	}
}

func TestSQLiteStore(t *testing.T) {
	cfg := DefaultSQLConfig(DriverSQLite, filepath.Join(t.TempDir(), "conductor.db"))
	store, err := OpenSQLStore(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenSQLStore() error = %v", err)
	}
	defer store.Close()
	testStoreContract(t, store)
}

func TestOpenSQLStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQLStore(context.Background(), SQLConfig{Driver: "oracle", DSN: "x"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSQLStorePostgresStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	store := NewSQLStore(db, DriverPostgres)
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, $3)")).
		WithArgs("session/a", `{"name":"a","n":0}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Write(ctx, []string{"session", "a"}, doc{Name: "a"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv WHERE key = $1")).
		WithArgs("session/a").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`{"name":"a","n":3}`))
	var got doc
	if err := store.Read(ctx, []string{"session", "a"}, &got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.N != 3 {
		t.Fatalf("Read() = %+v", got)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv WHERE key = $1")).
		WithArgs("session/b").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	if err := store.Read(ctx, []string{"session", "b"}, &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(missing) error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key FROM kv WHERE substr(key, 1, $1) = $2 ORDER BY key")).
		WithArgs(sqlmock.AnyArg(), "message/s1/").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("message/s1/m2").
			AddRow("message/s1/m1"))
	keys, err := store.List(ctx, []string{"message", "s1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := [][]string{{"message", "s1", "m1"}, {"message", "s1", "m2"}}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("List() = %v, want %v", keys, want)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM kv WHERE key = $1")).
		WithArgs("session/a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Remove(ctx, []string{"session", "a"}); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStoreSQLitePlaceholders(t *testing.T) {
	store := &SQLStore{}
	if got := store.q("SELECT value FROM kv WHERE key = ?"); got != "SELECT value FROM kv WHERE key = ?" {
		t.Fatalf("q() = %q", got)
	}
	store.postgres = true
	if got := store.q("VALUES (?, ?, ?)"); got != "VALUES ($1, $2, $3)" {
		t.Fatalf("q() = %q", got)
	}
}
