package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

var (
	ErrVersionRequired  = errors.New("migrations: version required")
	ErrDuplicateVersion = errors.New("migrations: duplicate version")
)

// Migration is one forward-only SQL script.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

type appliedMigration struct {
	bun.BaseModel `bun:"table:omnipost_schema_migrations,alias:osm"`

	Version   string    `bun:"version,pk"`
	Name      string    `bun:"name,notnull"`
	AppliedAt time.Time `bun:"applied_at,notnull"`
}

// Registry collects SQL migrations and applies the pending ones in version order.
type Registry struct {
	mu         sync.RWMutex
	migrations map[string]Migration
	now        func() time.Time
}

// NewRegistry constructs an empty migration registry.
func NewRegistry() *Registry {
	return &Registry{migrations: make(map[string]Migration), now: time.Now}
}

// Register adds a migration. Versions are compared as strings, so callers
// should zero-pad them.
func (r *Registry) Register(version, name, sql string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return ErrVersionRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.migrations[version]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateVersion, version)
	}
	r.migrations[version] = Migration{Version: version, Name: strings.TrimSpace(name), SQL: sql}
	return nil
}

// RegisterFS loads every <version>_<name>.up.sql file found in dir.
func (r *Registry) RegisterFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("migrations: read %s: %w", dir, err)
	}
	for _, entry := range entries {
		file := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(file, ".up.sql") {
			continue
		}
		version, name, _ := strings.Cut(strings.TrimSuffix(file, ".up.sql"), "_")
		body, err := fs.ReadFile(fsys, path.Join(dir, file))
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", file, err)
		}
		if err := r.Register(version, name, string(body)); err != nil {
			return err
		}
	}
	return nil
}

// Migrations returns the registered migrations ordered by version.
func (r *Registry) Migrations() []Migration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Apply runs the pending migrations, each inside its own transaction, and
// returns the versions it applied.
func (r *Registry) Apply(ctx context.Context, db *bun.DB) ([]string, error) {
	if db == nil {
		return nil, nil
	}
	if _, err := db.NewCreateTable().Model((*appliedMigration)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("migrations: create ledger: %w", err)
	}

	var done []appliedMigration
	if err := db.NewSelect().Model(&done).Scan(ctx); err != nil {
		return nil, fmt.Errorf("migrations: list applied: %w", err)
	}
	seen := make(map[string]struct{}, len(done))
	for _, m := range done {
		seen[m.Version] = struct{}{}
	}

	var applied []string
	for _, m := range r.Migrations() {
		if _, ok := seen[m.Version]; ok {
			continue
		}
		err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, stmt := range statements(m.SQL) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.NewInsert().Model(&appliedMigration{
				Version:   m.Version,
				Name:      m.Name,
				AppliedAt: r.now().UTC(),
			}).Exec(ctx)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migrations: apply %s_%s: %w", m.Version, m.Name, err)
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// statements splits a script on semicolons. Scripts must not embed
// semicolons inside literals.
func statements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
