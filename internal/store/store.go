// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store archives completed chunked transfers in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/luxfi/fleetnet/chunk"
)

var errNotFound = errors.New("not found")

// IsNotFound reports whether err means the transfer is not archived.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

type (
	Store struct {
		db *sql.DB
	}

	// Record is an archived transfer. Data is only filled by Get.
	Record struct {
		ID      uuid.UUID
		Header  chunk.Header
		Size    int64
		Chunks  int32
		Created time.Time
		Data    []byte
	}
)

func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("unable to create database: %w", err)
	}
	// every connection would get its own empty database
	db.SetMaxOpenConns(1)
	return open(db)
}

// Open opens or creates dir/db/transfers.sqlite.
func Open(dir string) (*Store, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	mainfile := filepath.Join(dir, "db", "transfers.sqlite")
	if err := os.MkdirAll(filepath.Dir(mainfile), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", mainfile+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("unable to create database file: %w", err)
	}
	return open(db)
}

func open(db *sql.DB) (*Store, error) {
	if err := initDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save reads the assembled stream of t and archives it. Saving the same
// session twice replaces the earlier record.
func (s *Store) Save(ctx context.Context, t *chunk.Transfer) error {
	r, err := t.Open()
	if err != nil {
		return fmt.Errorf("open transfer %v: %w", t.ID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read transfer %v: %w", t.ID, err)
	}
	header, err := msgpack.Marshal(t.Header)
	if err != nil {
		return err
	}
	return inTX(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into dt_transfers
			(session_id, header, size, chunks, data, clk_created_at_unixms)
			values
			($1, $2, $3, $4, $5, $6)
			on conflict (session_id) do
				update set
					header = excluded.header,
					size = excluded.size,
					chunks = excluded.chunks,
					data = excluded.data,
					clk_created_at_unixms = excluded.clk_created_at_unixms`,
			t.ID.String(), header, int64(len(data)), t.Chunks, data, time.Now().UnixMilli())
		return err
	})
}

// Get returns the record for id with its data.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"select session_id, header, size, chunks, clk_created_at_unixms, data from dt_transfers where session_id = $1",
		id.String())
	var (
		rec    Record
		data   []byte
		header []byte
	)
	err := scan(row, &rec, &header, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transfer %v: %w", id, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Data = data
	return &rec, decodeHeader(&rec, header)
}

// List returns up to limit records, newest first, without their data.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"select session_id, header, size, chunks, clk_created_at_unixms from dt_transfers order by clk_created_at_unixms desc, session_id limit $1",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []Record
	for rows.Next() {
		var (
			rec    Record
			header []byte
		)
		if err := scan(rows, &rec, &header); err != nil {
			return nil, err
		}
		if err := decodeHeader(&rec, header); err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
	return ret, rows.Err()
}

// Delete removes the record for id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, "delete from dt_transfers where session_id = $1", id.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("transfer %v: %w", id, errNotFound)
	}
	return nil
}

// Archive returns a chunk.OnComplete callback saving every completed
// transfer and then releases its sink. Failures are logged and leave the
// sink in place.
func (s *Store) Archive(log *zap.Logger, timeout time.Duration) func(*chunk.Transfer) {
	return func(t *chunk.Transfer) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Save(ctx, t); err != nil {
			log.Warn("archive failed", zap.Stringer("session", t.ID), zap.Error(err))
			return
		}
		if err := t.Sink.Abort(); err != nil {
			log.Debug("sink release failed", zap.Stringer("session", t.ID), zap.Error(err))
		}
		log.Debug("archived", zap.Stringer("session", t.ID), zap.Int64("size", t.Size))
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner, rec *Record, header *[]byte, extra ...any) error {
	var (
		id      string
		created int64
	)
	dest := append([]any{&id, header, &rec.Size, &rec.Chunks, &created}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("bad session id %q: %w", id, err)
	}
	rec.Created = time.UnixMilli(created)
	return nil
}

func decodeHeader(rec *Record, b []byte) error {
	if err := msgpack.Unmarshal(b, &rec.Header); err != nil {
		return fmt.Errorf("transfer %v header: %w", rec.ID, err)
	}
	return nil
}
