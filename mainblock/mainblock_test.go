package mainblock

import (
	"bytes"
	"testing"

	"github.com/ddnus/mineral/bitmap"
	"github.com/ddnus/mineral/datablock"
	"github.com/ddnus/mineral/fileh"
)

func newTestMainBlock(t *testing.T, fetchSize, blockSize uint64) *MainBlock {
	t.Helper()
	bm, err := bitmap.Open(fileh.NewMemory("bits"), "")
	if err != nil {
		t.Fatalf("bitmap.Open: %v", err)
	}
	pool := datablock.New(fileh.NewMemory("data"), bm, blockSize)
	mb, err := New(fileh.NewMemory("main"), pool, fetchSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mb
}

// S1 from spec.md §8.
func TestInlineSetGet(t *testing.T) {
	mb := newTestMainBlock(t, 1024, 1024)

	value := bytes.Repeat([]byte{0xAB}, 100)
	if err := mb.Set(3, value); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := mb.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("got %v, want %v", got, value)
	}

	h, err := mb.readHeader(3)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.flag != FlagNormal || h.size != 100 || h.pos != 0 {
		t.Fatalf("header = %+v, want flag=NORMAL size=100 pos=0", h)
	}
}

// S2 from spec.md §8.
func TestOverflowSetGet(t *testing.T) {
	mb := newTestMainBlock(t, 1024, 1024)

	value := bytes.Repeat([]byte{0x01}, 2048)
	if err := mb.Set(5, value); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := mb.Get(5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("got len %d, want len %d", len(got), len(value))
	}

	h, err := mb.readHeader(5)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.flag != FlagOverflow {
		t.Fatalf("flag = %d, want OVERFLOW", h.flag)
	}
	if h.pos != 0 {
		t.Fatalf("pos = %d, want 0 (first allocation in a fresh pool)", h.pos)
	}

	tailSize := h.size + headerSize - 1024
	if tailSize != 1041 {
		t.Fatalf("tail size = %d, want 1041", tailSize)
	}
}

func TestBoundaryInlineExactFit(t *testing.T) {
	mb := newTestMainBlock(t, 1024, 1024)

	value := bytes.Repeat([]byte{7}, int(mb.InlineCap()))
	if err := mb.Set(0, value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h, err := mb.readHeader(0)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.flag != FlagNormal {
		t.Fatalf("flag = %d, want NORMAL at exact inline capacity", h.flag)
	}
}

func TestBoundaryOneByteOverflow(t *testing.T) {
	mb := newTestMainBlock(t, 1024, 1024)

	value := bytes.Repeat([]byte{7}, int(mb.InlineCap())+1)
	if err := mb.Set(0, value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h, err := mb.readHeader(0)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.flag != FlagOverflow {
		t.Fatalf("flag = %d, want OVERFLOW at inline capacity + 1", h.flag)
	}
	tailSize := h.size + headerSize - 1024
	if tailSize != 1 {
		t.Fatalf("tail size = %d, want 1", tailSize)
	}
}

func TestEmptyNormalValueDistinctFromDeleted(t *testing.T) {
	mb := newTestMainBlock(t, 256, 64)

	if err := mb.Set(1, []byte{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h, err := mb.readHeader(1)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.flag != FlagNormal {
		t.Fatalf("flag = %d, want NORMAL for empty-but-set value", h.flag)
	}

	got, err := mb.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}

	if err := mb.Del(2); err != nil {
		t.Fatalf("Del: %v", err)
	}
	h2, err := mb.readHeader(2)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h2.flag != FlagDel {
		t.Fatalf("flag = %d, want DEL", h2.flag)
	}
}

func TestGetPastEOFReturnsEmpty(t *testing.T) {
	mb := newTestMainBlock(t, 128, 64)

	got, err := mb.Get(99)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil for never-written record", got)
	}
}

func TestDelFreesOverflowTail(t *testing.T) {
	mb := newTestMainBlock(t, 128, 32)

	if err := mb.Set(0, bytes.Repeat([]byte{1}, 500)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mb.Del(0); err != nil {
		t.Fatalf("Del: %v", err)
	}

	// The freed overflow blocks should be reusable by a fresh allocation.
	if err := mb.Set(1, bytes.Repeat([]byte{2}, 500)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h, err := mb.readHeader(1)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.pos != 0 {
		t.Fatalf("pos = %d, want reuse of freed run at 0", h.pos)
	}
}

func TestSetTransitionsOverflowToNormal(t *testing.T) {
	mb := newTestMainBlock(t, 128, 32)

	if err := mb.Set(0, bytes.Repeat([]byte{1}, 500)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mb.Set(0, []byte("short")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	h, err := mb.readHeader(0)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.flag != FlagNormal {
		t.Fatalf("flag = %d, want NORMAL after shrinking below inline cap", h.flag)
	}

	got, err := mb.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("short")) {
		t.Fatalf("got %q", got)
	}
}
