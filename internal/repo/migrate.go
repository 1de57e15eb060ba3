package repo

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

// Each store keeps its dialect in its own directory of the embedded migrations
// filesystem: Postgres files at the root, SQLite files under sqlite/.
// runMigrations applies one dialect's files in lexicographical order, handing
// every non-empty file to apply, which wraps it in a transaction.
func runMigrations(ctx context.Context, filesystem fs.FS, dir string, apply func(ctx context.Context, sql string) error) error {
	entries, err := fs.ReadDir(filesystem, dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := path.Join(dir, entry.Name())
		sqlBytes, err := fs.ReadFile(filesystem, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if len(sqlBytes) == 0 {
			continue
		}

		if err := apply(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}

	return nil
}
