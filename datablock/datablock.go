// Package datablock implements the variable-size overflow pool backing a
// main block's spill tails (spec.md §4.3): a fixed block-size pool governed
// by a bitmap allocator, with an optional delay mode that buffers writes in
// memory until Flush.
package datablock

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ddnus/mineral/bitmap"
	"github.com/ddnus/mineral/fileh"
)

// Pool is the data block pool. block_size is fixed at construction.
type Pool struct {
	mu        sync.Mutex
	fh        fileh.FileHandle
	bits      *bitmap.Bitmap
	blockSize uint64
	delay     bool
	delayBufs map[uint64][]byte // pos -> pending bytes, keyed by absolute file position
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithDelay enables delay mode: writes are buffered in memory and only
// reach disk on Flush.
func WithDelay() Option {
	return func(p *Pool) { p.delay = true }
}

// New opens a data block pool over fh (the block-data file) and bits (its
// bitmap allocator file), with the given fixed block size.
func New(fh fileh.FileHandle, bits *bitmap.Bitmap, blockSize uint64, opts ...Option) *Pool {
	p := &Pool{
		fh:        fh,
		bits:      bits,
		blockSize: blockSize,
		delayBufs: make(map[uint64][]byte),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) blocksFor(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + p.blockSize - 1) / p.blockSize
}

// Set rounds len(data) up to whole blocks, allocates from the bitmap and
// writes at index*block_size (or buffers the write if delay mode is on).
// Returns the allocated block index.
func (p *Pool) Set(data []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blocks := p.blocksFor(uint64(len(data)))
	if blocks == 0 {
		return 0, nil
	}

	index, err := p.bits.Malloc(blocks)
	if err != nil {
		return 0, fmt.Errorf("datablock: set: %w", err)
	}

	pos := index * p.blockSize
	if err := p.write(pos, data); err != nil {
		return 0, fmt.Errorf("datablock: set: %w", err)
	}

	return index, nil
}

// Get reads size bytes starting at index*block_size, preferring a buffered
// delay-mode write if one is pending for that position.
func (p *Pool) Get(index, size uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if size == 0 {
		return nil, nil
	}

	pos := index * p.blockSize
	if p.delay {
		if buf, ok := p.delayBufs[pos]; ok {
			out := make([]byte, len(buf))
			copy(out, buf)
			return out, nil
		}
	}

	buf := make([]byte, size)
	n, err := p.fh.Read(int64(pos), buf)
	if err != nil {
		return nil, fmt.Errorf("datablock: get: %w", err)
	}
	return buf[:n], nil
}

// Update overwrites the block run at index in place if the new data needs
// the same number of blocks as oldSize implied; otherwise it frees the old
// run and allocates a fresh one. Returns the (possibly unchanged) index.
func (p *Pool) Update(index, oldSize uint64, newData []byte) (uint64, error) {
	p.mu.Lock()
	oldBlocks := p.blocksFor(oldSize)
	newBlocks := p.blocksFor(uint64(len(newData)))
	p.mu.Unlock()

	if oldBlocks == newBlocks {
		p.mu.Lock()
		pos := index * p.blockSize
		err := p.write(pos, newData)
		p.mu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("datablock: update: %w", err)
		}
		return index, nil
	}

	if err := p.Free(index, oldSize); err != nil {
		return 0, fmt.Errorf("datablock: update: %w", err)
	}
	return p.Set(newData)
}

// Free returns the blocks backing index/size to the bitmap.
func (p *Pool) Free(index, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	blocks := p.blocksFor(size)
	if blocks == 0 {
		return nil
	}

	if p.delay {
		delete(p.delayBufs, index*p.blockSize)
	}

	if err := p.bits.Free(index, blocks); err != nil {
		return fmt.Errorf("datablock: free: %w", err)
	}
	return nil
}

// write performs a positioned write, buffering it in delayBufs instead of
// touching the file if delay mode is enabled. Caller holds p.mu.
func (p *Pool) write(pos uint64, data []byte) error {
	if p.delay {
		buf := make([]byte, len(data))
		copy(buf, data)
		p.delayBufs[pos] = buf
		return nil
	}
	return p.fh.Write(int64(pos), data)
}

// Flush persists any buffered delay-mode writes in ascending position order,
// then checkpoints the bitmap at version. A write failure here is fatal to
// durability: the caller (the background flusher) should crash the process
// rather than advance any checkpoint past it.
func (p *Pool) Flush(version uint64) error {
	p.mu.Lock()
	positions := make([]uint64, 0, len(p.delayBufs))
	for pos := range p.delayBufs {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	for _, pos := range positions {
		data := p.delayBufs[pos]
		if err := p.fh.Write(int64(pos), data); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("datablock: flush: write at %d: %w", pos, err)
		}
		delete(p.delayBufs, pos)
	}
	p.mu.Unlock()

	if err := p.bits.FlushAll(version); err != nil {
		return fmt.Errorf("datablock: flush: %w", err)
	}
	return nil
}

// Sync flushes the pool's backing file to stable storage, if the backend
// supports it. Must be called after Flush, since delay-mode writes only
// reach p.fh inside Flush itself.
func (p *Pool) Sync() error {
	if err := fileh.SyncIfPossible(p.fh); err != nil {
		return fmt.Errorf("datablock: sync: %w", err)
	}
	return nil
}

// Truncate empties the pool file and its bitmap.
func (p *Pool) Truncate() error {
	p.mu.Lock()
	p.delayBufs = make(map[uint64][]byte)
	p.mu.Unlock()

	if err := p.bits.Truncate(); err != nil {
		return fmt.Errorf("datablock: truncate: %w", err)
	}
	return p.fh.Truncate()
}

// Checkpoint returns the bitmap's last flushed version.
func (p *Pool) Checkpoint() uint64 {
	return p.bits.Checkpoint()
}

// BlockSize returns the pool's fixed block size.
func (p *Pool) BlockSize() uint64 {
	return p.blockSize
}
