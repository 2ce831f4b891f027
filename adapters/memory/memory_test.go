package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lborres/tether/core"
)

var ctx = context.Background()

func TestStorageGetSetShouldStoreAndRetrieve(t *testing.T) {
	s := New(Config{})

	if err := s.Set(ctx, "access-token", []byte("abc")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(ctx, "access-token")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("Expected abc, got %q", got)
	}
}

func TestStorageSetShouldOverwrite(t *testing.T) {
	s := New(Config{})
	_ = s.Set(ctx, "k", []byte("one"))
	_ = s.Set(ctx, "k", []byte("two"))

	got, _ := s.Get(ctx, "k")
	if string(got) != "two" {
		t.Errorf("Expected two, got %q", got)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", s.Len())
	}
}

func TestStorageShouldCopyValues(t *testing.T) {
	s := New(Config{})
	value := []byte("abc")
	_ = s.Set(ctx, "k", value)
	value[0] = 'X'

	got, _ := s.Get(ctx, "k")
	got[1] = 'Y'
	again, _ := s.Get(ctx, "k")

	if string(again) != "abc" {
		t.Errorf("stored value was aliased: %q", again)
	}
}

func TestStorageGetNonExistentShouldReturnErrKeyNotFound(t *testing.T) {
	s := New(Config{})

	_, err := s.Get(ctx, "nonexistent")
	if !errors.Is(err, core.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestStorageExpiryShouldExpireEntriesAfterTTL(t *testing.T) {
	s := New(Config{TTL: 50 * time.Millisecond})
	_ = s.Set(ctx, "k", []byte("v"))

	if _, err := s.Get(ctx, "k"); err != nil {
		t.Error("Entry should exist immediately after Set")
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := s.Get(ctx, "k"); !errors.Is(err, core.ErrKeyNotFound) {
		t.Error("Entry should be expired")
	}
	if s.Len() != 0 {
		t.Errorf("Storage should be empty after expired entry removed, got size %d", s.Len())
	}
	if s.Evictions() != 1 {
		t.Errorf("Expected 1 eviction, got %d", s.Evictions())
	}
}

func TestStorageDeleteNonExistentShouldNotError(t *testing.T) {
	s := New(Config{})

	if err := s.Delete(ctx, "nonexistent"); err != nil {
		t.Errorf("Delete of non-existent key should not error, got %v", err)
	}
	if s.Stats().Deletes != 0 {
		t.Errorf("Expected no counted deletes, got %d", s.Stats().Deletes)
	}
}

func TestStorageMaxEntriesShouldEvictWhenOverCapacity(t *testing.T) {
	s := New(Config{MaxEntries: 2})

	_ = s.Set(ctx, "a", []byte("1"))
	_ = s.Set(ctx, "b", []byte("2"))
	_ = s.Set(ctx, "b", []byte("3")) // overwrite does not evict
	if s.Evictions() != 0 {
		t.Errorf("Overwrite should not evict, got %d evictions", s.Evictions())
	}

	_ = s.Set(ctx, "c", []byte("4"))

	if s.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", s.Len())
	}
	if s.Evictions() != 1 {
		t.Errorf("Expected 1 eviction, got %d", s.Evictions())
	}
	if _, err := s.Get(ctx, "c"); err != nil {
		t.Error("Newest entry should be present")
	}
}

func TestStorageStatsShouldCountOperations(t *testing.T) {
	s := New(Config{})
	_ = s.Set(ctx, "k", []byte("v"))
	_, _ = s.Get(ctx, "k")
	_, _ = s.Get(ctx, "missing")
	_ = s.Delete(ctx, "k")

	stats := s.Stats()
	want := core.StorageStats{Gets: 2, Misses: 1, Sets: 1, Deletes: 1, Size: 0}
	if stats != want {
		t.Errorf("Stats() = %+v, want %+v", stats, want)
	}
}
