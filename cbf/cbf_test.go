package cbf

import (
	"testing"
	"time"
)

func TestInsertAndGetFromActivePage(t *testing.T) {
	c := New[uint64]()
	c.Insert(1, 1, []byte("a"))
	c.Insert(2, 2, []byte("b"))

	v, ok := c.Get(1)
	if !ok || string(v) != "a" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}
	if _, ok := c.Get(99); ok {
		t.Fatalf("Get(99) found unexpected entry")
	}
}

func TestInsertOverwritesWithinSamePage(t *testing.T) {
	c := New[uint64](WithMaxCap(1 << 20))
	c.Insert(1, 1, []byte("first"))
	c.Insert(2, 1, []byte("second"))

	v, ok := c.Get(1)
	if !ok || string(v) != "second" {
		t.Fatalf("Get(1) = %q, %v, want \"second\"", v, ok)
	}
	if c.active.Len() != 1 {
		t.Fatalf("active page has %d entries, want 1 (overwrite should not grow order)", c.active.Len())
	}
}

func TestRotationByByteCapMovesOldPageToRetired(t *testing.T) {
	c := New[uint64](WithMaxCap(2))
	c.Insert(1, 1, []byte("a"))
	c.Insert(2, 2, []byte("b"))
	c.Insert(3, 3, []byte("c")) // 2 bytes already buffered, +1 exceeds cap of 2

	if c.PendingPages() != 1 {
		t.Fatalf("PendingPages() = %d, want 1", c.PendingPages())
	}

	for _, k := range []uint64{1, 2, 3} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("Get(%d) not found after rotation", k)
		}
	}
}

func TestRotationByAge(t *testing.T) {
	c := New[uint64](WithMaxAge(time.Millisecond))
	c.Insert(1, 1, []byte("a"))
	time.Sleep(5 * time.Millisecond)
	c.Insert(2, 2, []byte("b"))

	if c.PendingPages() != 1 {
		t.Fatalf("PendingPages() = %d, want 1", c.PendingPages())
	}
}

func TestGetPrefersNewestPageOnKeyCollisionAcrossPages(t *testing.T) {
	c := New[uint64](WithMaxCap(1))
	c.Insert(1, 1, []byte("a")) // 1 byte, fills the cap
	c.Insert(2, 1, []byte("b")) // same key, but cap already full: rotates first

	v, ok := c.Get(1)
	if !ok || string(v) != "b" {
		t.Fatalf("Get(1) = %q, %v, want \"b\" from the active page", v, ok)
	}
	if c.PendingPages() != 1 {
		t.Fatalf("PendingPages() = %d, want 1", c.PendingPages())
	}
}

func TestPopFirstPageDrainsOldestFirst(t *testing.T) {
	c := New[uint64](WithMaxCap(1))
	c.Insert(1, 1, []byte("a"))
	c.Insert(2, 2, []byte("b"))
	c.Insert(3, 3, []byte("c"))

	page, ok := c.PopFirstPage()
	if !ok {
		t.Fatalf("PopFirstPage: no page")
	}
	var keys []uint64
	for k := range page.Entries() {
		keys = append(keys, k)
	}
	if len(keys) != 1 || keys[0] != 1 {
		t.Fatalf("first retired page keys = %v, want [1]", keys)
	}

	if c.PendingPages() != 1 {
		t.Fatalf("PendingPages() = %d, want 1 after popping one of two", c.PendingPages())
	}
}

func TestPopFirstPageForceRotatesWhenNothingRetired(t *testing.T) {
	c := New[uint64]()
	c.Insert(1, 1, []byte("a"))

	page, ok := c.PopFirstPage()
	if ok || page != nil {
		t.Fatalf("PopFirstPage = %v, %v, want nil, false on first call", page, ok)
	}
	if c.PendingPages() != 1 {
		t.Fatalf("PendingPages() = %d, want 1 after forced rotation", c.PendingPages())
	}

	page, ok = c.PopFirstPage()
	if !ok || page == nil {
		t.Fatalf("second PopFirstPage should return the now-retired page")
	}
}

func TestPopFirstPageIsNoOpOnEmptyBuffer(t *testing.T) {
	c := New[uint64]()
	page, ok := c.PopFirstPage()
	if ok || page != nil {
		t.Fatalf("PopFirstPage on empty buffer = %v, %v, want nil, false", page, ok)
	}
	if c.PendingPages() != 0 {
		t.Fatalf("PendingPages() = %d, want 0", c.PendingPages())
	}
}

func TestForceRotateDrainsNonEmptyActivePage(t *testing.T) {
	c := New[uint64]()
	c.Insert(1, 1, []byte("a"))
	c.ForceRotate()
	if c.PendingPages() != 1 {
		t.Fatalf("PendingPages() = %d, want 1", c.PendingPages())
	}
}
