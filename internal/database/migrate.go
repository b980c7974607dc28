package database

import (
	"database/sql"
	"fmt"
	"log"
)

// schemaVersion returns the applied migration level kept in user_version.
func schemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// hasUnversionedSchema reports whether a runs table exists in a database
// whose user_version was never set.
func hasUnversionedSchema(conn *sql.DB) (bool, error) {
	var n int
	err := conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='runs'",
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("looking for run tables: %w", err)
	}
	return n > 0, nil
}

func setSchemaVersion(conn *sql.DB, v int) error {
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("recording schema version %d: %w", v, err)
	}
	return nil
}

// applyMigration runs one step in its own transaction and records it.
// user_version is written after commit; every step uses IF NOT EXISTS so a
// crash in between only repeats the step.
func applyMigration(conn *sql.DB, m Migration) error {
	log.Printf("Migrating schema to v%d (%s)", m.Version, m.Description)
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: committing: %w", m.Version, err)
	}
	return setSchemaVersion(conn, m.Version)
}

// migrate applies every migration newer than the recorded schema version.
func migrate(conn *sql.DB) error {
	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	if current == 0 {
		found, err := hasUnversionedSchema(conn)
		if err != nil {
			return err
		}
		if found {
			// Run tables without a version predate the migration list and
			// match v1.
			log.Printf("Found unversioned run tables, treating schema as v1")
			if err := setSchemaVersion(conn, 1); err != nil {
				return err
			}
			current = 1
		}
	}

	for _, m := range migrations {
		if m.Version > current {
			if err := applyMigration(conn, m); err != nil {
				return err
			}
		}
	}
	return nil
}
