package omnipost

import (
	"context"
	"embed"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-omnipost/internal/migrations"
)

//go:embed data/sql/migrations/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the embedded migration files for this package
func GetMigrationsFS() embed.FS {
	return migrationsFS
}

// Migrate applies the embedded schema to db and returns the versions it ran.
func Migrate(ctx context.Context, db *bun.DB) ([]string, error) {
	registry := migrations.NewRegistry()
	if err := registry.RegisterFS(migrationsFS, "data/sql/migrations"); err != nil {
		return nil, err
	}
	return registry.Apply(ctx, db)
}
