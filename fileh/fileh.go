// Package fileh provides the positioned file-I/O capability set every layer
// above it is built on: write/read at an offset, append, prepend, truncate,
// rename, remove and size. Implementations are disk-backed or in-memory; callers
// depend only on the FileHandle interface.
package fileh

import (
	"errors"
	"io"
	"os"
	"sync"
)

// FileHandle is the capability set described in spec.md §4.1. All operations
// are synchronous. A short read at EOF returns the bytes actually read and a
// nil error, unlike os.File's own ReadAt, which reports io.EOF.
type FileHandle interface {
	Write(pos int64, data []byte) error
	Read(pos int64, buf []byte) (int, error)
	ReadFromEnd(negOffset int64, buf []byte) (int, error)
	Append(data []byte) (int64, error)
	Prepend(data []byte) error
	Truncate() error
	Rename(newPath string) error
	Remove() error
	Size() (int64, error)
}

// Disk is a FileHandle backed by an *os.File opened for read/write.
type Disk struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if necessary) the file at path as a Disk file handle.
func Open(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &Disk{path: path, f: f}, nil
}

func (d *Disk) Write(pos int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(data, pos)
	return err
}

// Read fills buf starting at pos, returning the number of bytes actually
// read. A read that runs past EOF is not an error; it simply returns fewer
// bytes than len(buf).
func (d *Disk) Read(pos int64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.ReadAt(buf, pos)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// ReadFromEnd fills buf with bytes starting negOffset bytes before the
// current end of file; negOffset must be <= 0. Used by the WAL segment to
// pull the trailing 8-byte version out of a segment without tracking its
// size separately.
func (d *Disk) ReadFromEnd(negOffset int64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stat, err := d.f.Stat()
	if err != nil {
		return 0, err
	}

	pos := stat.Size() + negOffset
	if pos < 0 {
		pos = 0
	}

	n, err := d.f.ReadAt(buf, pos)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (d *Disk) Append(data []byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stat, err := d.f.Stat()
	if err != nil {
		return 0, err
	}

	if _, err := d.f.WriteAt(data, stat.Size()); err != nil {
		return 0, err
	}

	return stat.Size(), nil
}

// Prepend inserts data at the front of the file, shifting existing content
// forward. It reads the whole file into memory and rewrites it rather than
// streaming. No other package in this module calls it.
func (d *Disk) Prepend(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := io.ReadAll(io.NewSectionReader(d.f, 0, 1<<62))
	if err != nil {
		return err
	}

	combined := make([]byte, 0, len(data)+len(existing))
	combined = append(combined, data...)
	combined = append(combined, existing...)

	if err := d.f.Truncate(0); err != nil {
		return err
	}
	_, err = d.f.WriteAt(combined, 0)
	return err
}

func (d *Disk) Truncate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Truncate(0)
}

func (d *Disk) Rename(newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(d.path, newPath); err != nil {
		return err
	}

	f, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	d.f = f
	d.path = newPath
	return nil
}

func (d *Disk) Remove() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.f.Close(); err != nil {
		return err
	}
	return os.Remove(d.path)
}

func (d *Disk) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stat, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Path returns the current on-disk path, reflecting any prior Rename.
func (d *Disk) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// Sync flushes the file to stable storage. Not part of the FileHandle
// capability set in spec.md (which treats durability as implicit in each
// write), but the block store's flush path needs it explicitly before it
// advances a checkpoint a WAL segment retirement will rely on.
func (d *Disk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Syncer is implemented by FileHandle backends that have something to
// flush to stable storage explicitly. fileh.Memory does not implement it:
// there is nothing to sync when nothing is backed by a real file.
type Syncer interface {
	Sync() error
}

// SyncIfPossible calls fh.Sync if fh implements Syncer, and is a no-op
// otherwise.
func SyncIfPossible(fh FileHandle) error {
	if s, ok := fh.(Syncer); ok {
		return s.Sync()
	}
	return nil
}
