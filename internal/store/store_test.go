// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/chunk"
	"github.com/luxfi/fleetnet/internal/store"
)

func transfer(t *testing.T, h chunk.Header, data []byte) *chunk.Transfer {
	t.Helper()
	id := uuid.New()
	sink, err := chunk.NewMemorySink(id, h)
	if err != nil {
		t.Fatalf("NewMemorySink: %v", err)
	}
	if _, err := sink.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sink.Close()
	return &chunk.Transfer{ID: id, Header: h, Size: int64(len(data)), Chunks: 1, Sink: sink}
}

func TestInit(t *testing.T) {
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	st.Close()

	dir := t.TempDir()
	for range 2 {
		st, err := store.Open(dir)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		st.Close()
	}
}

func TestSaveGet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer st.Close()

	tr := transfer(t, chunk.Header{"name": "map.bin"}, []byte("payload"))
	if err := st.Save(ctx, tr); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec, err := st.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ID != tr.ID || rec.Header["name"] != "map.bin" || rec.Size != 7 || !bytes.Equal(rec.Data, []byte("payload")) {
		t.Errorf("got %+v", rec)
	}

	if _, err := st.Get(ctx, uuid.New()); !store.IsNotFound(err) {
		t.Errorf("got %v, want not found", err)
	}
	if err := st.Delete(ctx, tr.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, tr.ID); !store.IsNotFound(err) {
		t.Errorf("second Delete: got %v, want not found", err)
	}
}

func TestList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer st.Close()

	archive := st.Archive(zap.NewNop(), time.Second)
	saved := map[uuid.UUID]bool{}
	for _, data := range []string{"a", "bb", "ccc"} {
		tr := transfer(t, nil, []byte(data))
		archive(tr)
		saved[tr.ID] = true
	}
	recs, err := st.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for _, rec := range recs {
		if !saved[rec.ID] || rec.Data != nil {
			t.Errorf("unexpected record %+v", rec)
		}
	}
	if recs, err := st.List(ctx, 2); err != nil || len(recs) != 2 {
		t.Errorf("limit: got %d, %v", len(recs), err)
	}
}
