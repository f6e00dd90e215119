package storage

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetOnMissingKeyReturnsNotOK(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.Get("adbkey")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	db := openTestDB(t)
	want := []byte("wrapped-private-key-blob")

	if err := db.Put("adbkey", want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := db.Get("adbkey")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after Put")
	}
	if string(got) != string(want) {
		t.Fatalf("Get = %q, want %q", got, want)
	}
}

func TestPutOverwritesExistingValue(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put("adbkey", []byte("first")); err != nil {
		t.Fatalf("Put first: %v", err)
	}
	if err := db.Put("adbkey", []byte("second")); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	got, ok, err := db.Get("adbkey")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got) != "second" {
		t.Fatalf("Get = %q, want %q", got, "second")
	}
}

func TestDeleteRemovesValue(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put("adbkey", []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Delete("adbkey"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := db.Get("adbkey")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false after Delete")
	}
}

func TestOpenIsIdempotentAcrossReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	db1, err := Open(path)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	if err := db1.Put("adbkey", []byte("persisted")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("Open 2 (migration must be a no-op on an existing db): %v", err)
	}
	defer db2.Close()

	got, ok, err := db2.Get("adbkey")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if string(got) != "persisted" {
		t.Fatalf("Get = %q", got)
	}
}
