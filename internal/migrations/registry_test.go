package migrations

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/goliatone/go-omnipost/pkg/testsupport"
)

func TestRegistryAppliesPendingMigrationsOnce(t *testing.T) {
	db := testsupport.NewBunDB(t)
	fsys := fstest.MapFS{
		"sql/0002_items_index.up.sql": {Data: []byte("CREATE INDEX ix_items_name ON items (name);")},
		"sql/0001_items.up.sql":       {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);\nINSERT INTO items (id, name) VALUES (1, 'a');")},
		"sql/README.md":               {Data: []byte("ignored")},
	}

	registry := NewRegistry()
	if err := registry.RegisterFS(fsys, "sql"); err != nil {
		t.Fatalf("register fs: %v", err)
	}
	if got := registry.Migrations(); len(got) != 2 || got[0].Version != "0001" || got[1].Name != "items_index" {
		t.Fatalf("unexpected migrations: %+v", got)
	}

	ctx := context.Background()
	applied, err := registry.Apply(ctx, db)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected two migrations applied, got %v", applied)
	}

	again, err := registry.Apply(ctx, db)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing pending, got %v", again)
	}

	var count int
	if err := db.NewSelect().TableExpr("items").ColumnExpr("COUNT(*)").Scan(ctx, &count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected seeded row once, got %d", count)
	}
}

func TestRegistryRejectsDuplicateVersions(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("0001", "a", "SELECT 1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("0001", "b", "SELECT 1"); !errors.Is(err, ErrDuplicateVersion) {
		t.Fatalf("expected ErrDuplicateVersion, got %v", err)
	}
	if err := registry.Register(" ", "c", "SELECT 1"); !errors.Is(err, ErrVersionRequired) {
		t.Fatalf("expected ErrVersionRequired, got %v", err)
	}
}

func TestRegistryRollsBackFailedMigration(t *testing.T) {
	db := testsupport.NewBunDB(t)
	registry := NewRegistry()
	_ = registry.Register("0001", "broken", "CREATE TABLE ok_table (id INTEGER); NOT VALID SQL")

	if _, err := registry.Apply(context.Background(), db); err == nil {
		t.Fatal("expected failure")
	}
	var count int
	if err := db.NewSelect().Model((*appliedMigration)(nil)).ColumnExpr("COUNT(*)").Scan(context.Background(), &count); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed migration must not be recorded, got %d", count)
	}
}
