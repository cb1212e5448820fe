// Package mainblock implements the fixed-stride record table described in
// spec.md §4.4: every slot is a fetch_size-byte record holding a small
// header, an inline prefix, and (when the value overflows the inline
// capacity) a pointer into a datablock.Pool for the spill tail.
package mainblock

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ddnus/mineral/datablock"
	"github.com/ddnus/mineral/fileh"
)

const (
	headerSize = 17 // flag:1 || size:8 BE || pos:8 BE

	// FlagDel marks a deleted (or never-written) record.
	FlagDel uint8 = 0
	// FlagNormal marks a record whose full value fits inline.
	FlagNormal uint8 = 1
	// FlagOverflow marks a record whose tail spilled into the data pool.
	FlagOverflow uint8 = 2
)

// MainBlock is the fixed-stride record table.
type MainBlock struct {
	mu        sync.Mutex
	fh        fileh.FileHandle
	data      *datablock.Pool
	fetchSize uint64
}

// New opens a main block file with the given positive fetch_size (total
// record stride). Inline capacity per record is fetchSize-17.
func New(fh fileh.FileHandle, data *datablock.Pool, fetchSize uint64) (*MainBlock, error) {
	if fetchSize <= headerSize {
		return nil, fmt.Errorf("mainblock: fetch_size must exceed header size %d", headerSize)
	}
	return &MainBlock{fh: fh, data: data, fetchSize: fetchSize}, nil
}

// InlineCap returns the number of value bytes a record can hold without
// overflowing into the data pool.
func (m *MainBlock) InlineCap() uint64 {
	return m.fetchSize - headerSize
}

type header struct {
	flag uint8
	size uint64
	pos  uint64
}

func decodeHeader(buf []byte) header {
	if len(buf) < headerSize {
		return header{flag: FlagDel}
	}
	return header{
		flag: buf[0],
		size: binary.BigEndian.Uint64(buf[1:9]),
		pos:  binary.BigEndian.Uint64(buf[9:17]),
	}
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.flag
	binary.BigEndian.PutUint64(buf[1:9], h.size)
	binary.BigEndian.PutUint64(buf[9:17], h.pos)
	return buf
}

func (m *MainBlock) readHeader(index uint64) (header, error) {
	buf := make([]byte, m.fetchSize)
	n, err := m.fh.Read(int64(index*m.fetchSize), buf)
	if err != nil {
		return header{}, err
	}
	if n < headerSize {
		// Reading past EOF: treat as a deleted/never-written record.
		return header{flag: FlagDel}, nil
	}
	return decodeHeader(buf), nil
}

// Set writes data at index, spilling any bytes beyond inline capacity into
// the data pool, following the decision table in spec.md §4.4.
func (m *MainBlock) Set(index uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, err := m.readHeader(index)
	if err != nil {
		return fmt.Errorf("mainblock: set: read header: %w", err)
	}

	inlineCap := m.InlineCap()
	inlineLen := uint64(len(data))
	if inlineLen > inlineCap {
		inlineLen = inlineCap
	}
	inline := data[:inlineLen]
	tail := data[inlineLen:]

	oldTailSize := uint64(0)
	if old.flag == FlagOverflow {
		oldTailSize = old.size + headerSize - m.fetchSize
	}

	newHeader := header{size: uint64(len(data))}

	switch {
	case old.flag == FlagOverflow && len(tail) > 0:
		newPos, err := m.data.Update(old.pos, oldTailSize, tail)
		if err != nil {
			return fmt.Errorf("mainblock: set: update overflow: %w", err)
		}
		newHeader.flag = FlagOverflow
		newHeader.pos = newPos
	case old.flag == FlagOverflow && len(tail) == 0:
		if err := m.data.Free(old.pos, oldTailSize); err != nil {
			return fmt.Errorf("mainblock: set: free overflow: %w", err)
		}
		newHeader.flag = FlagNormal
	case old.flag != FlagOverflow && len(tail) > 0:
		pos, err := m.data.Set(tail)
		if err != nil {
			return fmt.Errorf("mainblock: set: spill: %w", err)
		}
		newHeader.flag = FlagOverflow
		newHeader.pos = pos
	default:
		newHeader.flag = FlagNormal
	}

	record := make([]byte, m.fetchSize)
	copy(record, newHeader.encode())
	copy(record[headerSize:], inline)

	if err := m.fh.Write(int64(index*m.fetchSize), record); err != nil {
		return fmt.Errorf("mainblock: set: write record: %w", err)
	}
	return nil
}

// Get reads the record at index, reassembling inline and overflow bytes.
// A deleted or never-written record returns an empty slice.
func (m *MainBlock) Get(index uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, m.fetchSize)
	n, err := m.fh.Read(int64(index*m.fetchSize), buf)
	if err != nil {
		return nil, fmt.Errorf("mainblock: get: %w", err)
	}
	if n < headerSize {
		return nil, nil
	}

	h := decodeHeader(buf)
	if h.flag == FlagDel {
		return nil, nil
	}

	inlineLen := h.size + headerSize
	if inlineLen > m.fetchSize {
		inlineLen = m.fetchSize
	}
	out := make([]byte, 0, h.size)
	out = append(out, buf[headerSize:inlineLen]...)

	if h.flag == FlagOverflow {
		tailSize := h.size + headerSize - m.fetchSize
		tail, err := m.data.Get(h.pos, tailSize)
		if err != nil {
			return nil, fmt.Errorf("mainblock: get: overflow tail: %w", err)
		}
		out = append(out, tail...)
	}

	return out, nil
}

// Del marks index deleted, freeing any overflow tail it held.
func (m *MainBlock) Del(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, err := m.readHeader(index)
	if err != nil {
		return fmt.Errorf("mainblock: del: read header: %w", err)
	}

	if old.flag == FlagOverflow {
		tailSize := old.size + headerSize - m.fetchSize
		if err := m.data.Free(old.pos, tailSize); err != nil {
			return fmt.Errorf("mainblock: del: free overflow: %w", err)
		}
	}

	h := header{flag: FlagDel}
	if err := m.fh.Write(int64(index*m.fetchSize), h.encode()); err != nil {
		return fmt.Errorf("mainblock: del: %w", err)
	}
	return nil
}

// Truncate empties both the record file and the data pool.
func (m *MainBlock) Truncate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.data.Truncate(); err != nil {
		return fmt.Errorf("mainblock: truncate: %w", err)
	}
	return m.fh.Truncate()
}

// Checkpoint returns the data pool's last flushed version.
func (m *MainBlock) Checkpoint() uint64 {
	return m.data.Checkpoint()
}

// FlushDatablock persists the data pool's buffered writes and checkpoints
// its bitmap at version.
func (m *MainBlock) FlushDatablock(version uint64) error {
	if err := m.data.Flush(version); err != nil {
		return fmt.Errorf("mainblock: flush_datablock: %w", err)
	}
	return nil
}

// Sync flushes the main block's own record file and its data pool's
// backing file to stable storage, if their backends support it. A caller
// retiring a WAL segment on the strength of a checkpoint must call this
// first: FlushDatablock only fsyncs the bitmap (via its own atomic file
// replace), not the record and overflow bytes the checkpoint certifies.
func (m *MainBlock) Sync() error {
	if err := fileh.SyncIfPossible(m.fh); err != nil {
		return fmt.Errorf("mainblock: sync: %w", err)
	}
	if err := m.data.Sync(); err != nil {
		return fmt.Errorf("mainblock: sync: %w", err)
	}
	return nil
}
