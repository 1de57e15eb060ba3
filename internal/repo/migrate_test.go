package repo

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
)

func migrationFS() fstest.MapFS {
	return fstest.MapFS{
		"002_second.sql":        {Data: []byte("PG-2")},
		"001_first.sql":         {Data: []byte("PG-1")},
		"000_empty.sql":         {Data: []byte("")},
		"sqlite/001_first.sql":  {Data: []byte("LITE-1")},
		"sqlite/002_second.sql": {Data: []byte("LITE-2")},
	}
}

func TestRunMigrationsAppliesRootDialectInOrder(t *testing.T) {
	var applied []string
	err := runMigrations(context.Background(), migrationFS(), ".", func(_ context.Context, sql string) error {
		applied = append(applied, sql)
		return nil
	})
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	// Empty files and the sqlite/ subdirectory are skipped.
	if len(applied) != 2 || applied[0] != "PG-1" || applied[1] != "PG-2" {
		t.Fatalf("applied = %v, want [PG-1 PG-2]", applied)
	}
}

func TestRunMigrationsAppliesSQLiteDialect(t *testing.T) {
	var applied []string
	err := runMigrations(context.Background(), migrationFS(), "sqlite", func(_ context.Context, sql string) error {
		applied = append(applied, sql)
		return nil
	})
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if len(applied) != 2 || applied[0] != "LITE-1" || applied[1] != "LITE-2" {
		t.Fatalf("applied = %v, want [LITE-1 LITE-2]", applied)
	}
}

func TestRunMigrationsStopsOnFailure(t *testing.T) {
	boom := errors.New("syntax error")
	var applied []string
	err := runMigrations(context.Background(), migrationFS(), ".", func(_ context.Context, sql string) error {
		applied = append(applied, sql)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped apply failure", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied %d files after failure, want 1", len(applied))
	}
}
