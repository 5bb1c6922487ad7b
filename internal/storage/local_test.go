package storage

import (
	"context"
	"errors"
	"testing"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return store
}

func TestLocalStorage_PutGet(t *testing.T) {
	store := newLocal(t)
	ctx := context.Background()

	payload := []byte(`{"id":"abc"}`)
	if err := store.Put(ctx, "deadletter/2026/08/batch-1.json.snappy", payload); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.Get(ctx, "deadletter/2026/08/batch-1.json.snappy")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestLocalStorage_GetMissing(t *testing.T) {
	store := newLocal(t)
	_, err := store.Get(context.Background(), "missing/object")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_Exists(t *testing.T) {
	store := newLocal(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "a/b")
	if err != nil || ok {
		t.Fatalf("expected missing object, got ok=%v err=%v", ok, err)
	}
	if err := store.Put(ctx, "a/b", []byte("x")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	ok, err = store.Exists(ctx, "a/b")
	if err != nil || !ok {
		t.Fatalf("expected object to exist, got ok=%v err=%v", ok, err)
	}
}

func TestLocalStorage_ListPrefix(t *testing.T) {
	store := newLocal(t)
	ctx := context.Background()

	for _, p := range []string{"archive/a", "archive/b", "other/c"} {
		if err := store.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	objects, err := store.List(ctx, "archive")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 2 {
		t.Errorf("expected 2 objects under prefix, got %v", objects)
	}

	empty, err := store.List(ctx, "nothing-here")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty list, got %v", empty)
	}
}

func TestLocalStorage_DeleteIdempotent(t *testing.T) {
	store := newLocal(t)
	ctx := context.Background()

	if err := store.Put(ctx, "x", []byte("1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Delete(ctx, "x"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "x"); err != nil {
		t.Errorf("second delete should be idempotent, got %v", err)
	}
}
