package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openbell/openbell/pkg/questdb"
)

// Migration is one schema step, loaded from <id>.up.sql / <id>.down.sql
// file pairs.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// Runner applies migrations against QuestDB and records them in a
// schema_migrations ledger table.
type Runner struct {
	client       questdb.QuestDBClient
	migrationDir string
}

// NewRunner creates a migration runner over the given directory.
func NewRunner(client questdb.QuestDBClient, migrationDir string) *Runner {
	return &Runner{
		client:       client,
		migrationDir: migrationDir,
	}
}

// EnsureLedger creates the schema_migrations table if it doesn't exist.
func (r *Runner) EnsureLedger(ctx context.Context) error {
	ledgerSQL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id STRING,
			applied_at TIMESTAMP
		) TIMESTAMP(applied_at) PARTITION BY DAY;
	`
	return r.client.Exec(ctx, ledgerSQL)
}

// Applied returns the set of already-applied migration IDs.
func (r *Runner) Applied(ctx context.Context) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := r.client.Query(ctx, "SELECT id FROM schema_migrations ORDER BY applied_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}

	return applied, rows.Err()
}

// Load reads every migration pair from the directory, sorted by ID.
func (r *Runner) Load() ([]Migration, error) {
	upFiles, err := filepath.Glob(filepath.Join(r.migrationDir, "*.up.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(upFiles)

	migrations := make([]Migration, 0, len(upFiles))
	for _, upFile := range upFiles {
		upSQL, err := os.ReadFile(upFile)
		if err != nil {
			return nil, err
		}

		id := strings.TrimSuffix(filepath.Base(upFile), ".up.sql")

		var downSQL []byte
		downFile := strings.Replace(upFile, ".up.sql", ".down.sql", 1)
		if content, err := os.ReadFile(downFile); err == nil {
			downSQL = content
		}

		migrations = append(migrations, Migration{
			ID:      id,
			UpSQL:   strings.TrimSpace(string(upSQL)),
			DownSQL: strings.TrimSpace(string(downSQL)),
		})
	}

	return migrations, nil
}

// Up applies every pending migration, or at most steps of them when
// steps > 0.
func (r *Runner) Up(ctx context.Context, steps int) error {
	if err := r.EnsureLedger(ctx); err != nil {
		return err
	}

	migrations, err := r.Load()
	if err != nil {
		return err
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return err
	}

	var pending []Migration
	for _, m := range migrations {
		if !applied[m.ID] {
			pending = append(pending, m)
		}
	}
	if steps > 0 && len(pending) > steps {
		pending = pending[:steps]
	}

	for _, m := range pending {
		if m.UpSQL == "" {
			return fmt.Errorf("migration %s has no up SQL", m.ID)
		}
		if err := r.client.Exec(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.ID, err)
		}
		if err := r.client.Exec(ctx,
			"INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)",
			m.ID, time.Now(),
		); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.ID, err)
		}
	}

	return nil
}

// Down reverts the most recent steps applied migrations.
func (r *Runner) Down(ctx context.Context, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be greater than 0 for down migrations")
	}

	migrations, err := r.Load()
	if err != nil {
		return err
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return err
	}

	var toRevert []Migration
	for i := len(migrations) - 1; i >= 0 && len(toRevert) < steps; i-- {
		if applied[migrations[i].ID] {
			toRevert = append(toRevert, migrations[i])
		}
	}

	for _, m := range toRevert {
		if m.DownSQL == "" {
			return fmt.Errorf("migration %s has no down SQL, cannot revert", m.ID)
		}
		if err := r.client.Exec(ctx, m.DownSQL); err != nil {
			return fmt.Errorf("failed to revert migration %s: %w", m.ID, err)
		}
		if err := r.client.Exec(ctx,
			"DELETE FROM schema_migrations WHERE id = $1", m.ID,
		); err != nil {
			return fmt.Errorf("failed to remove migration record %s: %w", m.ID, err)
		}
	}

	return nil
}
