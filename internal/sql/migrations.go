package sql

import (
	"cmp"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations
var migrations embed.FS

// Migration is one numbered file of the migrations directory, named <version>_<name>.sql
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// GetMigrations returns the embedded migrations ordered by version
func GetMigrations() ([]Migration, error) {
	return readMigrations(migrations, "migrations")
}

func readMigrations(fsys fs.ReadDirFS, dir string) ([]Migration, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}
	res := make([]Migration, 0, len(entries))
	for _, f := range entries {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		prefix, name, ok := strings.Cut(strings.TrimSuffix(f.Name(), ".sql"), "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil {
			return nil, fmt.Errorf("migration %s is not named <version>_<name>.sql", f.Name())
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
		}
		res = append(res, Migration{Version: version, Name: name, Statements: splitStatements(string(content))})
	}
	slices.SortFunc(res, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	for i := 1; i < len(res); i++ {
		if res[i].Version == res[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", res[i].Version)
		}
	}
	return res, nil
}

func splitStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
