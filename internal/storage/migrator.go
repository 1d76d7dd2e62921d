package storage

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const tableMigrations = "schema_migrations"

// Migration is one embedded schema file, split into statements.
type Migration struct {
	Version    int
	Name       string
	Statements []string
	Checksum   string
}

// Migrator applies the embedded schema migrations in version order.
type Migrator struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewMigrator creates a new Migrator.
func NewMigrator(client *ClickHouseClient, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{client: client, logger: logger.With("component", "migrator")}
}

// Run applies every migration not yet recorded in schema_migrations. A
// recorded migration whose file has since changed is reported, not re-run.
func (m *Migrator) Run(ctx context.Context) error {
	migrations, err := loadMigrations(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	err = m.client.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+tableMigrations+` (
		version    UInt32,
		name       String,
		checksum   String,
		applied_at DateTime64(3, 'UTC') DEFAULT now64(3)
	) ENGINE = MergeTree() ORDER BY version`)
	if err != nil {
		return WrapQueryError("Migrate", tableMigrations, err)
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		log := m.logger.With("version", mig.Version, "name", mig.Name)
		if sum, ok := applied[mig.Version]; ok {
			if sum != "" && sum != mig.Checksum {
				log.Warn("migration changed after it was applied", "recorded", sum, "embedded", mig.Checksum)
			}
			continue
		}

		log.Info("applying migration", "statements", len(mig.Statements))
		for i, stmt := range mig.Statements {
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %03d_%s statement %d: %w", mig.Version, mig.Name, i+1, err)
			}
		}
		err := m.client.Exec(ctx,
			"INSERT INTO "+tableMigrations+" (version, name, checksum) VALUES (?, ?, ?)",
			uint32(mig.Version), mig.Name, mig.Checksum)
		if err != nil {
			return WrapQueryError("RecordMigration", tableMigrations, err)
		}
	}
	return nil
}

// applied maps recorded versions to their checksums.
func (m *Migrator) applied(ctx context.Context) (map[int]string, error) {
	rows, err := m.client.Query(ctx, "SELECT version, checksum FROM "+tableMigrations)
	if err != nil {
		return nil, WrapQueryError("AppliedMigrations", tableMigrations, err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			version uint32
			sum     string
		)
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, WrapQueryError("AppliedMigrations", tableMigrations, err)
		}
		out[int(version)] = sum
	}
	return out, rows.Err()
}

// loadMigrations reads NNN_name.sql files from dir, sorted by version.
// Misnamed or duplicate versions are errors.
func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		file := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(file, ".sql") {
			continue
		}
		prefix, name, ok := strings.Cut(strings.TrimSuffix(file, ".sql"), "_")
		version, convErr := strconv.Atoi(prefix)
		if !ok || convErr != nil || version <= 0 || name == "" {
			return nil, fmt.Errorf("migration %s: want NNN_name.sql", file)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", file, version, prev)
		}
		seen[version] = file

		content, err := fs.ReadFile(fsys, path.Join(dir, file))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:    version,
			Name:       name,
			Statements: splitStatements(string(content)),
			Checksum:   hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// splitStatements splits on semicolons outside quoted strings and drops
// comment-only lines and empty statements.
func splitStatements(sql string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if stmt := stripComments(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	for _, r := range sql {
		switch {
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
		case quote == 0 && r == ';':
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

// stripComments drops full-line "--" comments from a statement.
func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "--") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
