package slot

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := New(7)
	s.Set("alpha", Entry{Value: []byte("1")})
	s.Set("beta", Entry{Value: []byte("22")})

	now := int64(1000)
	blob := s.Encode(now)

	decoded, err := Decode(7, blob, now)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	for _, key := range []string{"alpha", "beta"} {
		want, _ := s.Get(key, now)
		got, ok := decoded.Get(key, now)
		if !ok {
			t.Fatalf("Get(%q) not found after round trip", key)
		}
		if !bytes.Equal(got.Value, want.Value) {
			t.Fatalf("Get(%q).Value = %q, want %q", key, got.Value, want.Value)
		}
	}
}

func TestEmptyValueRoundTrips(t *testing.T) {
	s := New(0)
	s.Set("k", Entry{})

	blob := s.Encode(0)
	decoded, err := Decode(0, blob, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e, ok := decoded.Get("k", 0)
	if !ok {
		t.Fatalf("Get(k) not found")
	}
	if len(e.Value) != 0 {
		t.Fatalf("Value = %v, want empty", e.Value)
	}
}

func TestEncodeSkipsExpiredEntries(t *testing.T) {
	s := New(0)
	s.Set("fresh", Entry{Value: []byte("a"), ExpiresAt: 0})
	s.Set("stale", Entry{Value: []byte("b"), ExpiresAt: 100})

	blob := s.Encode(200) // now=200 > expires_at=100

	decoded, err := Decode(0, blob, 200)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := decoded.Get("stale", 200); ok {
		t.Fatalf("expired entry survived encode")
	}
	if _, ok := decoded.Get("fresh", 200); !ok {
		t.Fatalf("non-expired entry dropped")
	}
}

func TestDecodeDropsEntriesExpiredSinceEncode(t *testing.T) {
	s := New(0)
	s.Set("soon", Entry{Value: []byte("a"), ExpiresAt: 150})

	blob := s.Encode(100) // not yet expired at encode time

	decoded, err := Decode(0, blob, 200) // expired by the time we decode
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := decoded.Get("soon", 200); ok {
		t.Fatalf("entry should have been dropped on decode past its expiry")
	}
}

func TestTombstoneExpiryIsNotTreatedAsExpiredByDefaultRule(t *testing.T) {
	// expires_at == 1 is the soft-delete tombstone marker, handled by the
	// LRU layer; Entry.Expired treats only values > 1 as real timestamps.
	e := Entry{ExpiresAt: 1}
	if e.Expired(1_000_000) {
		t.Fatalf("tombstone marker should not be treated as an absolute timestamp")
	}
}

func TestDecodeRejectsTruncatedBlob(t *testing.T) {
	if _, err := Decode(0, []byte{0, 0, 0, 0, 0, 0, 0, 50}, 0); err == nil {
		t.Fatalf("expected error decoding a header claiming more bytes than present")
	}
}

func TestMultiEntryRoundTripPreservesEveryEntry(t *testing.T) {
	s := New(3)
	s.Set("one", Entry{Value: []byte("1")})
	s.Set("two", Entry{Value: []byte("22")})
	s.Set("three", Entry{Value: []byte("333"), ExpiresAt: 5_000_000_000})

	blob := s.Encode(0)
	decoded, err := Decode(3, blob, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(s.KV, decoded.KV); diff != "" {
		t.Fatalf("round trip changed slot contents (-want +got):\n%s", diff)
	}
}
