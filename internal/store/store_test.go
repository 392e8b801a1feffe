package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM commands").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "journal.db"))
	if err == nil {
		t.Error("Open() should fail for a path in a missing directory")
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestSchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, expected %d", version, currentSchemaVersion)
	}
}

func TestMigrationFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Simulate a journal written before the index existed.
	if _, err := s.db.Exec("DROP INDEX idx_commands_run_seq"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("reset user_version: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	var name string
	err = s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_commands_run_seq'`).Scan(&name)
	if err != nil {
		t.Errorf("index not restored: %v", err)
	}
}

func TestMigrationFromV1AddsKwargs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	// A v1 journal: no kwargs column.
	stmts := []string{
		`CREATE TABLE commands (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id  TEXT    NOT NULL,
			rank    INTEGER NOT NULL,
			seq     INTEGER NOT NULL,
			op      TEXT    NOT NULL,
			handle  TEXT    NOT NULL DEFAULT '0',
			type_id TEXT    NOT NULL DEFAULT '',
			method  TEXT    NOT NULL DEFAULT '',
			args    TEXT    NOT NULL DEFAULT '[]',
			digest  TEXT    NOT NULL,
			status  TEXT    NOT NULL,
			error   TEXT    NOT NULL DEFAULT '',
			UNIQUE(run_id, rank, seq)
		)`,
		`INSERT INTO commands (run_id, rank, seq, op, digest, status) VALUES ('run-old', 1, 1, 'exec', 'd1', 'ok')`,
		"PRAGMA user_version = 1",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	ok, err := hasColumn(s.db, "commands", "kwargs")
	if err != nil {
		t.Fatalf("hasColumn() failed: %v", err)
	}
	if !ok {
		t.Fatal("kwargs column not added")
	}

	entries, err := s.ReadRun(context.Background(), "run-old")
	if err != nil {
		t.Fatalf("ReadRun() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kwargs != nil {
		t.Errorf("entries = %+v, expected one entry without kwargs", entries)
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on empty store: %v", err)
	}
}
