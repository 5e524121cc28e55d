// Package migrations embeds the SQL schema applied at startup.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Files holds every .sql file in this directory; they run in lexical order (001, 002, ...).
//
//go:embed *.sql
var Files embed.FS

// Apply runs every embedded file in name order and returns how many ran. The files are
// idempotent.
func Apply(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	files, err := fs.Glob(Files, "*.sql")
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := Files.ReadFile(f)
		if err != nil {
			return 0, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return 0, fmt.Errorf("run migration %s: %w", f, err)
		}
	}
	return len(files), nil
}
