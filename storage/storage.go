// Package storage implements the Storage Serve described in spec.md §4.8:
// a main block record table fronted by a write-ahead log and a change
// buffer, so every set and del is durable before it is visible and can be
// replayed after a crash without touching the main block on every write.
package storage

import (
	"fmt"

	"github.com/ddnus/mineral/cbf"
	"github.com/ddnus/mineral/mainblock"
	"github.com/ddnus/mineral/wal"
)

// Storage is the durable, crash-recoverable record table. The change
// buffer holds encoded BlockOp bytes directly, exactly as they were
// appended to the WAL, so a CBF hit needs only a decode to answer Get.
type Storage struct {
	mb  *mainblock.MainBlock
	log *wal.Manager
	buf *cbf.CBF[uint64]
}

// Open replays any WAL records newer than the main block's last flushed
// checkpoint directly into it, then returns a Storage ready to serve reads
// and writes through a fresh change buffer.
func Open(mb *mainblock.MainBlock, log *wal.Manager, opts ...cbf.Option) (*Storage, error) {
	checkpoint := mb.Checkpoint()

	for p, err := range log.Reader(checkpoint+1, 0) {
		if err != nil {
			return nil, fmt.Errorf("storage: open: replay: %w", err)
		}
		op, err := decodeBlockOp(p.Data)
		if err != nil {
			return nil, fmt.Errorf("storage: open: replay: %w", err)
		}
		if err := applyBlockOp(mb, op); err != nil {
			return nil, fmt.Errorf("storage: open: replay: %w", err)
		}
	}

	return &Storage{
		mb:  mb,
		log: log,
		buf: cbf.New[uint64](opts...),
	}, nil
}

func applyBlockOp(mb *mainblock.MainBlock, op blockOp) error {
	switch op.op {
	case opSet:
		return mb.Set(op.index, op.data)
	case opDel:
		return mb.Del(op.index)
	default:
		return fmt.Errorf("storage: apply: unknown op %d", op.op)
	}
}

// Set durably writes data at index: appended to the WAL, then buffered for
// the background flusher to apply to the main block.
func (s *Storage) Set(index uint64, data []byte) error {
	_, err := s.SetVersioned(index, data)
	return err
}

// SetVersioned behaves like Set but also returns the storage WAL version
// the write was assigned, so a caller layered on top (the Hash KV store)
// can tell when this particular write has become durable by comparing
// against Durable.
func (s *Storage) SetVersioned(index uint64, data []byte) (uint64, error) {
	encoded := encodeBlockOp(opSet, index, data)
	version, err := s.log.Append(encoded)
	if err != nil {
		return 0, fmt.Errorf("storage: set: %w", err)
	}
	s.buf.Insert(version, index, encoded)
	return version, nil
}

// Del durably marks index deleted, following the same WAL-then-buffer path
// as Set so deletes survive a crash before the main block is touched
// (spec.md §9, open question 1).
func (s *Storage) Del(index uint64) error {
	encoded := encodeBlockOp(opDel, index, nil)
	version, err := s.log.Append(encoded)
	if err != nil {
		return fmt.Errorf("storage: del: %w", err)
	}
	s.buf.Insert(version, index, encoded)
	return nil
}

// Get reads index, checking the change buffer before falling through to the
// main block.
func (s *Storage) Get(index uint64) ([]byte, error) {
	if raw, ok := s.buf.Get(index); ok {
		op, err := decodeBlockOp(raw)
		if err != nil {
			return nil, fmt.Errorf("storage: get: %w", err)
		}
		if op.op == opDel {
			return nil, nil
		}
		return op.data, nil
	}
	return s.mb.Get(index)
}

// Drain applies the oldest retired change-buffer page to the main block,
// checkpoints the data pool at the highest WAL version the page covers, and
// retires WAL segments fully covered by that checkpoint. Returns false if
// there was nothing retired to drain.
func (s *Storage) Drain() (bool, error) {
	page, ok := s.buf.PopFirstPage()
	if !ok {
		return false, nil
	}

	for _, raw := range page.Entries() {
		op, err := decodeBlockOp(raw)
		if err != nil {
			return false, fmt.Errorf("storage: drain: %w", err)
		}
		if err := applyBlockOp(s.mb, op); err != nil {
			// A write failure here is fatal to durability: the checkpoint
			// must not advance past a page that was not actually applied.
			return false, fmt.Errorf("storage: drain: %w", err)
		}
	}

	if err := s.mb.FlushDatablock(page.MaxVersion); err != nil {
		return false, fmt.Errorf("storage: drain: %w", err)
	}
	// The bitmap's own checkpoint write is already fsynced (FlushAll uses an
	// atomic file replace), but the record and overflow bytes it certifies
	// are not: Sync must land before a WAL segment covering them is retired,
	// or a crash between the two can lose data the retired WAL can no
	// longer replay.
	if err := s.mb.Sync(); err != nil {
		return false, fmt.Errorf("storage: drain: %w", err)
	}
	if _, err := s.log.CheckedVersion(page.MaxVersion + 1); err != nil {
		return false, fmt.Errorf("storage: drain: %w", err)
	}
	return true, nil
}

// ForceRotate rotates the active change-buffer page so a pending write
// becomes drainable without waiting for the page to fill or age out.
func (s *Storage) ForceRotate() {
	s.buf.ForceRotate()
}

// Truncate empties the main block and its data pool. The WAL and change
// buffer are left untouched; callers that truncate are expected to be
// resetting a fresh store, not recovering one.
func (s *Storage) Truncate() error {
	return s.mb.Truncate()
}

// Durable returns the highest storage-WAL version whose effects are known
// to be on disk in the main block (the data pool's last flushed
// checkpoint). The Hash KV layer uses this to know when it is safe to
// retire KV WAL segments covering writes it has pushed through Set: not
// merely once storage.Set has been called, but once storage's own
// background flusher has actually made them durable (spec.md §9, open
// question 3).
func (s *Storage) Durable() uint64 {
	return s.mb.Checkpoint()
}
