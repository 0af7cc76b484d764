// Package migrations embeds the MySQL schema for checkpoints, reports,
// deployed artifacts and queued audit runs. Files are named
// NNNN_description.sql and applied in version order.
package migrations

import (
	"cmp"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Migration is one schema file split into executable statements.
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// Load returns every embedded migration ordered by version.
func Load() ([]Migration, error) {
	return load(files)
}

func load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	out := make([]Migration, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		stmts := Split(string(body))
		if len(stmts) == 0 {
			continue
		}
		version := Version(name)
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %s used by both %s and %s", version, prev, name)
		}
		seen[version] = name
		out = append(out, Migration{Version: version, Name: name, Statements: stmts})
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// Split breaks a script on ';' and drops blank statements and full-line
// "--" comments. Statements must not contain literal semicolons.
func Split(script string) []string {
	var out []string
	for _, raw := range strings.Split(script, ";") {
		var kept []string
		for _, line := range strings.Split(raw, "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), "--") {
				kept = append(kept, line)
			}
		}
		if stmt := strings.TrimSpace(strings.Join(kept, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Version extracts the numeric prefix of a migration file name.
func Version(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if prefix, _, ok := strings.Cut(base, "_"); ok && prefix != "" {
		return prefix
	}
	return base
}
