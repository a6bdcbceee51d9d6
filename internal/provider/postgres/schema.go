// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	// Register pgx/v5 database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/broker"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Cached migration versions - computed once since embedded FS is immutable.
var (
	cachedVersionsOnce sync.Once
	cachedVersions     []uint
	cachedVersionsErr  error
)

// SyncSchema compares the live schema version against the latest embedded
// migration. It reports, it does not reconcile; applying migrations is an
// explicit operator action (the migrate CLI command).
func (p *Provider) SyncSchema(_ context.Context) (broker.SchemaReport, error) {
	expected, err := expectedVersion()
	if err != nil {
		return broker.SchemaReport{}, err
	}

	m, err := newMigrate(p.dsn)
	if err != nil {
		return broker.SchemaReport{}, err
	}
	defer closeMigrate(m)

	current, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		current, dirty = 0, false
	} else if err != nil {
		return broker.SchemaReport{}, oops.Code("MIGRATION_VERSION_FAILED").Wrap(err)
	}

	return broker.SchemaReport{
		CurrentVersion:  current,
		ExpectedVersion: expected,
		Dirty:           dirty,
		InSync:          current == expected && !dirty,
	}, nil
}

// Apply runs all pending migrations. Used by the migrate CLI command.
func (p *Provider) Apply(_ context.Context) error {
	return ApplyMigrations(p.dsn)
}

// ApplyMigrations runs all pending migrations against databaseURL without
// requiring a live provider.
func ApplyMigrations(databaseURL string) error {
	m, err := newMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrate(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_UP_FAILED").Wrap(err)
	}
	return nil
}

func newMigrate(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_FAILED").Wrap(err)
	}

	// golang-migrate's pgx/v5 driver expects the pgx5:// scheme.
	migrateURL := databaseURL
	if rest, found := strings.CutPrefix(databaseURL, "postgres://"); found {
		migrateURL = "pgx5://" + rest
	} else if rest, found := strings.CutPrefix(databaseURL, "postgresql://"); found {
		migrateURL = "pgx5://" + rest
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL)
	if err != nil {
		_ = source.Close() //nolint:errcheck // cleanup for embedded FS; init error takes precedence
		return nil, oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate) {
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		slog.Warn("failed to close migrator", "source_error", srcErr, "database_error", dbErr)
	}
}

// expectedVersion returns the highest migration version shipped in the
// embedded FS.
func expectedVersion() (uint, error) {
	versions, err := allMigrationVersions()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, oops.Code("MIGRATION_LIST_FAILED").Errorf("no embedded migrations")
	}
	return versions[len(versions)-1], nil
}

// allMigrationVersions returns all embedded migration versions sorted
// ascending. Results are cached since the embedded FS is immutable.
func allMigrationVersions() ([]uint, error) {
	cachedVersionsOnce.Do(func() {
		cachedVersions, cachedVersionsErr = loadMigrationVersions()
	})
	if cachedVersionsErr != nil {
		return nil, cachedVersionsErr
	}
	result := make([]uint, len(cachedVersions))
	copy(result, cachedVersions)
	return result, nil
}

func loadMigrationVersions() ([]uint, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, oops.Code("MIGRATION_LIST_FAILED").Wrap(err)
	}

	versionSet := make(map[uint]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		var version uint
		if _, err := fmt.Sscanf(name, "%06d", &version); err != nil {
			// Unexpected files in the embedded FS are skipped, not fatal.
			slog.Warn("migration file name doesn't match expected format, skipping",
				"filename", name,
				"expected_format", "NNNNNN_name.up.sql",
				"error", err)
			continue
		}
		versionSet[version] = struct{}{}
	}

	versions := make([]uint, 0, len(versionSet))
	for v := range versionSet {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
