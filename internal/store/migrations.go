// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const seedFile = "migrations/0.0.0-seed.sql"

type migrationFile struct {
	name     string
	version  *semver.Version
	content  []byte
	checksum [sha256.Size]byte
}

func initDB(db *sql.DB) error {
	if err := seedMigrations(db); err != nil {
		return err
	}
	files, err := loadMigrations()
	if err != nil {
		// the embedded files are part of the binary
		panic(err)
	}
	slices.SortFunc(files, func(a, b migrationFile) int {
		return a.version.Compare(b.version)
	})

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}
	for _, m := range files {
		if applied[m.version.String()] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("unable to apply migration %v: %w", m.name, err)
		}
	}
	return nil
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("select ver_major, ver_minor, ver_patch from t_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[string]bool)
	for rows.Next() {
		var major, minor, patch uint64
		if err := rows.Scan(&major, &minor, &patch); err != nil {
			return nil, err
		}
		seen[semver.New(major, minor, patch, "", "").String()] = true
	}
	return seen, rows.Err()
}

func applyMigration(db *sql.DB, m migrationFile) error {
	return inTX(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(m.content)); err != nil {
			return err
		}
		_, err := tx.Exec("insert into t_migrations(ver_major, ver_minor, ver_patch, filename, content, checksum) values ($1, $2, $3, $4, $5, $6)",
			m.version.Major(), m.version.Minor(), m.version.Patch(), m.name, string(m.content), m.checksum[:])
		return err
	})
}

// inTX runs txn and commits when it returns nil.
func inTX(ctx context.Context, db *sql.DB, txn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := txn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func loadMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	var ret []migrationFile
	for _, f := range entries {
		mf := migrationFile{name: path.Base(f.Name())}
		mf.version, err = semver.StrictNewVersion(strings.Split(mf.name, "-")[0])
		if err != nil {
			return nil, err
		}
		if mf.version.Equal(semver.New(0, 0, 0, "", "")) {
			continue
		}
		mf.content, err = fs.ReadFile(migrations, path.Join("migrations", f.Name()))
		if err != nil {
			return nil, err
		}
		mf.checksum = sha256.Sum256(mf.content)
		ret = append(ret, mf)
	}
	return ret, nil
}

func seedMigrations(db *sql.DB) error {
	content, err := fs.ReadFile(migrations, seedFile)
	if err != nil {
		return err
	}
	_, err = db.Exec(string(content))
	return err
}
