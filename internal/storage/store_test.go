package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// TestMemoryStorePutGet covers the basic round trip, overwrite, and
// network-scoped keys.
func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := []byte{0x01, 0x02}

	if err := s.Put(ctx, "history", key, []byte("block body")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := s.Get(ctx, "history", key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, []byte("block body")) {
		t.Errorf("Get = %q", data)
	}

	// Same key, different network: separate entries.
	if _, err := s.Get(ctx, "state", key); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-network Get error = %v, want ErrNotFound", err)
	}

	// Overwrite wins.
	if err := s.Put(ctx, "history", key, []byte("newer")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, _ = s.Get(ctx, "history", key)
	if !bytes.Equal(data, []byte("newer")) {
		t.Errorf("after overwrite Get = %q", data)
	}
}

// TestMemoryStoreNotFound: missing keys report ErrNotFound.
func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "history", []byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

// TestMemoryStoreCopies: stored bytes are isolated from caller buffers.
func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := []byte{0x0A}

	buf := []byte("original")
	if err := s.Put(ctx, "history", key, buf); err != nil {
		t.Fatalf("Put: %v", err)
	}
	buf[0] = 'X'

	data, err := s.Get(ctx, "history", key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, []byte("original")) {
		t.Errorf("stored bytes aliased caller buffer: %q", data)
	}

	data[0] = 'Y'
	again, _ := s.Get(ctx, "history", key)
	if !bytes.Equal(again, []byte("original")) {
		t.Errorf("returned bytes aliased store: %q", again)
	}
}
