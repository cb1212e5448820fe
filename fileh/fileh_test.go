package fileh

import (
	"bytes"
	"path/filepath"
	"testing"
)

func withDisk(t *testing.T, fn func(fh *Disk)) {
	t.Helper()
	dir := t.TempDir()
	d, err := Open(filepath.Join(dir, "handle.dat"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Remove()
	fn(d)
}

func TestDiskWriteReadRoundTrip(t *testing.T) {
	withDisk(t, func(fh *Disk) {
		if err := fh.Write(10, []byte("hello")); err != nil {
			t.Fatalf("Write: %v", err)
		}

		buf := make([]byte, 5)
		n, err := fh.Read(10, buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n != 5 || !bytes.Equal(buf, []byte("hello")) {
			t.Fatalf("got %q (%d), want hello", buf[:n], n)
		}
	})
}

func TestDiskShortReadAtEOF(t *testing.T) {
	withDisk(t, func(fh *Disk) {
		if err := fh.Write(0, []byte("abc")); err != nil {
			t.Fatalf("Write: %v", err)
		}

		buf := make([]byte, 10)
		n, err := fh.Read(0, buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n != 3 {
			t.Fatalf("got n=%d, want 3", n)
		}
	})
}

func TestDiskAppend(t *testing.T) {
	withDisk(t, func(fh *Disk) {
		pos1, err := fh.Append([]byte("aaa"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if pos1 != 0 {
			t.Fatalf("pos1 = %d, want 0", pos1)
		}

		pos2, err := fh.Append([]byte("bbb"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if pos2 != 3 {
			t.Fatalf("pos2 = %d, want 3", pos2)
		}

		size, err := fh.Size()
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if size != 6 {
			t.Fatalf("size = %d, want 6", size)
		}
	})
}

func TestDiskTruncate(t *testing.T) {
	withDisk(t, func(fh *Disk) {
		if _, err := fh.Append([]byte("data")); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := fh.Truncate(); err != nil {
			t.Fatalf("Truncate: %v", err)
		}
		size, err := fh.Size()
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if size != 0 {
			t.Fatalf("size = %d, want 0", size)
		}
	})
}

func TestMemoryMatchesDiskSemantics(t *testing.T) {
	m := NewMemory("test")

	if err := m.Write(5, []byte("xyz")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 10)
	n, err := m.Read(5, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 || !bytes.Equal(buf[:3], []byte("xyz")) {
		t.Fatalf("got %q (%d)", buf[:n], n)
	}

	pos, err := m.Append([]byte("!!"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if pos != 8 {
		t.Fatalf("pos = %d, want 8", pos)
	}
}
