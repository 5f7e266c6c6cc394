package pg

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// RunMigrations ejecuta los *_up.sql del filesystem embebido, en orden
// lexicográfico. Los scripts son idempotentes (IF NOT EXISTS), así que
// correrlos de nuevo es seguro.
func (s *Store) RunMigrations(ctx context.Context, fsys fs.FS) error {
	return s.runScripts(ctx, fsys, "_up.sql", false)
}

// RunMigrationsDown ejecuta los *_down.sql en orden inverso.
func (s *Store) RunMigrationsDown(ctx context.Context, fsys fs.FS) error {
	return s.runScripts(ctx, fsys, "_down.sql", true)
}

func (s *Store) runScripts(ctx context.Context, fsys fs.FS, suffix string, reverse bool) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(strings.ToLower(e.Name()), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	if reverse {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}
	for _, f := range files {
		b, err := fs.ReadFile(fsys, f)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("pg: exec %s: %w", f, err)
		}
	}
	return nil
}
