// Package mineral is the embedded hash-keyed store described in spec.md
// §4.9: a fixed-size table of slots, each a small bucket of keys, fronted
// by its own write-ahead log and change buffer and backed by the block
// store in package storage for the actual bytes on disk.
package mineral

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ddnus/mineral/cbf"
	"github.com/ddnus/mineral/slot"
	"github.com/ddnus/mineral/storage"
	"github.com/ddnus/mineral/wal"
)

// pendingRetire tracks one drained KV page waiting for its underlying
// storage writes to become durable before the KV WAL segments covering it
// can be retired (spec.md §9, open question 3: KV WAL retirement must not
// outrun storage WAL retirement).
type pendingRetire struct {
	kvMaxVersion   uint64
	storageVersion uint64
}

// KV is the hash-keyed store. Reads check an LRU of hot entries, then a
// bloom filter that can only ever rule a key out (never in), then the
// change buffer, then the underlying slot stored in the block store.
type KV struct {
	mu sync.Mutex

	store   *storage.Storage
	log     *wal.Manager
	buf     *cbf.CBF[uint32]
	slotQty uint32

	cache  *lru.Cache[string, slot.Entry]
	filter *bloom.BloomFilter

	pending []pendingRetire
}

// Option configures a KV at construction.
type Option func(*options)

type options struct {
	cacheCap int
	cbfOpts  []cbf.Option
}

// WithCacheCap sets the hot-entry LRU's capacity.
func WithCacheCap(n int) Option {
	return func(o *options) { o.cacheCap = n }
}

// WithChangeBuffer passes options through to the KV change buffer.
func WithChangeBuffer(opts ...cbf.Option) Option {
	return func(o *options) { o.cbfOpts = opts }
}

// Open wires a KV store on top of an already-open block store and KV WAL,
// replaying any KV WAL records not yet reflected in store into a fresh
// change buffer. slotQty must be a power of two; it is fixed for the life
// of the store, matching the source engine's lack of online resharding.
func Open(store *storage.Storage, log *wal.Manager, slotQty uint32, opts ...Option) (*KV, error) {
	if slotQty == 0 || slotQty&(slotQty-1) != 0 {
		return nil, fmt.Errorf("mineral: slot_qty must be a power of two, got %d", slotQty)
	}

	o := &options{cacheCap: 10000}
	for _, opt := range opts {
		opt(o)
	}

	cache, err := lru.New[string, slot.Entry](o.cacheCap)
	if err != nil {
		return nil, fmt.Errorf("mineral: open: %w", err)
	}

	kv := &KV{
		store:   store,
		log:     log,
		buf:     cbf.New[uint32](o.cbfOpts...),
		slotQty: slotQty,
		cache:   cache,
		filter:  bloom.NewWithEstimates(uint(o.cacheCap)*8+uint(slotQty)*8, 0.01),
	}

	// The KV WAL alone is not a complete picture of what's durable: once a
	// page's writes are drained into the block store, retireMatured deletes
	// the WAL segments that covered them. A filter seeded only from replay
	// would answer "definitely absent" for a key that was written, flushed,
	// retired and never touched again, which is exactly the data the store
	// exists to keep. Scan every slot already on disk first so the filter
	// can never produce a false negative for durable data.
	if err := kv.seedFilterFromStore(); err != nil {
		return nil, fmt.Errorf("mineral: open: %w", err)
	}

	for p, err := range log.Reader(0, 0) {
		if err != nil {
			return nil, fmt.Errorf("mineral: open: replay: %w", err)
		}
		entry, err := decodeKV(p.Data)
		if err != nil {
			return nil, fmt.Errorf("mineral: open: replay: %w", err)
		}
		if err := kv.applyReplayed(p.Version, entry); err != nil {
			return nil, fmt.Errorf("mineral: open: replay: %w", err)
		}
	}

	return kv, nil
}

// seedFilterFromStore adds every key already durable in the block store to
// the bloom filter, so a restart can never leave the filter claiming a
// durably-stored key is absent. slotQty is fixed and small enough that a
// full scan at startup is cheap relative to the WAL replay beside it.
func (kv *KV) seedFilterFromStore() error {
	now := slot.Now()
	for no := uint32(0); no < kv.slotQty; no++ {
		raw, err := kv.store.Get(uint64(no))
		if err != nil {
			return fmt.Errorf("seed filter: slot %d: %w", no, err)
		}
		if raw == nil {
			continue
		}
		s, err := slot.Decode(no, raw, now)
		if err != nil {
			return fmt.Errorf("seed filter: slot %d: %w", no, err)
		}
		for key := range s.KV {
			kv.filter.Add([]byte(key))
		}
	}
	return nil
}

// applyReplayed folds one recovered KV WAL entry into the change buffer
// without re-appending it to the log. Caller is Open, running
// single-threaded before any client request is served.
func (kv *KV) applyReplayed(version uint64, e kvEntry) error {
	no := slotNo(e.key, kv.slotQty)
	s, err := kv.materializeSlotLocked(no)
	if err != nil {
		return err
	}
	switch e.op {
	case kvOpSet:
		s.Set(string(e.key), slot.Entry{Value: e.value, ExpiresAt: e.expiresAt})
	case kvOpDel:
		s.Del(string(e.key))
	}
	kv.buf.Insert(version, no, s.Encode(slot.Now()))
	kv.filter.Add(e.key)
	return nil
}

// materializeSlotLocked returns the current contents of slot no: the
// buffered generation if one exists, otherwise whatever is durable in the
// block store. Caller holds kv.mu or is running before concurrent access
// begins.
func (kv *KV) materializeSlotLocked(no uint32) (*slot.Slot, error) {
	now := slot.Now()
	if raw, ok := kv.buf.Get(no); ok {
		return slot.Decode(no, raw, now)
	}
	raw, err := kv.store.Get(uint64(no))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return slot.New(no), nil
	}
	return slot.Decode(no, raw, now)
}

// Set stores value under key with no expiry.
func (kv *KV) Set(key, value []byte) error {
	return kv.set(key, value, 0)
}

// SetEx stores value under key, expiring it ttlSeconds from now. A
// ttlSeconds of 0 behaves like Set: no expiry.
func (kv *KV) SetEx(key, value []byte, ttlSeconds uint64) error {
	var expiresAt uint64
	if ttlSeconds > 0 {
		expiresAt = uint64(slot.Now()) + ttlSeconds
	}
	return kv.set(key, value, expiresAt)
}

func (kv *KV) set(key, value []byte, expiresAt uint64) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	version, err := kv.log.Append(encodeKV(kvOpSet, key, value, expiresAt))
	if err != nil {
		return fmt.Errorf("mineral: set: %w", err)
	}

	no := slotNo(key, kv.slotQty)
	s, err := kv.materializeSlotLocked(no)
	if err != nil {
		return fmt.Errorf("mineral: set: %w", err)
	}
	entry := slot.Entry{Value: value, ExpiresAt: expiresAt}
	s.Set(string(key), entry)
	kv.buf.Insert(version, no, s.Encode(slot.Now()))

	kv.cache.Add(string(key), entry)
	kv.filter.Add(key)
	return nil
}

// Get returns the value stored under key, if any and not expired.
func (kv *KV) Get(key []byte) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	now := slot.Now()

	if e, ok := kv.cache.Get(string(key)); ok {
		switch {
		case e.ExpiresAt == 1: // tombstone: cached as definitely deleted
			return nil, false, nil
		case e.Expired(now):
			kv.cache.Remove(string(key))
		default:
			return e.Value, true, nil
		}
	}

	// A negative bloom test means key was never written: safe to answer
	// "not found" without consulting the buffer or the block store. This
	// only holds because Open seeds the filter from every durable slot
	// before replaying the WAL (seedFilterFromStore) — the WAL alone is not
	// enough, since a retired segment's writes are no longer in it. A
	// positive test is not proof of presence and always falls through.
	if !kv.filter.Test(key) {
		return nil, false, nil
	}

	no := slotNo(key, kv.slotQty)
	s, err := kv.materializeSlotLocked(no)
	if err != nil {
		return nil, false, fmt.Errorf("mineral: get: %w", err)
	}
	e, ok := s.Get(string(key), now)
	if !ok {
		return nil, false, nil
	}
	kv.cache.Add(string(key), e)
	return e.Value, true, nil
}

// Del removes key. Unlike the slot's own hard delete, this is logged and
// buffered exactly like Set so a crash between the WAL append and the
// drain into the block store still loses the key on replay.
func (kv *KV) Del(key []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	version, err := kv.log.Append(encodeKV(kvOpDel, key, nil, 0))
	if err != nil {
		return fmt.Errorf("mineral: del: %w", err)
	}

	no := slotNo(key, kv.slotQty)
	s, err := kv.materializeSlotLocked(no)
	if err != nil {
		return fmt.Errorf("mineral: del: %w", err)
	}
	s.Del(string(key))
	kv.buf.Insert(version, no, s.Encode(slot.Now()))

	// expires_at 1 is the soft-delete tombstone marker (spec.md §4.9): it
	// lets a cache hit answer "not found" immediately on the next Get
	// without falling through to the filter and slot machinery.
	kv.cache.Add(string(key), slot.Entry{ExpiresAt: 1})
	return nil
}

// Drain pushes the oldest retired KV change-buffer page into the block
// store, one storage.Set per touched slot, and records it as pending
// retirement rather than retiring the covering KV WAL segments
// immediately: those segments may only go once the storage layer reports
// the writes durable (see retireMatured). Returns false if there was
// nothing to drain.
func (kv *KV) Drain() (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	page, ok := kv.buf.PopFirstPage()
	if !ok {
		return false, nil
	}

	var storageVersion uint64
	for no, raw := range page.Entries() {
		v, err := kv.store.SetVersioned(uint64(no), raw)
		if err != nil {
			return false, fmt.Errorf("mineral: drain: %w", err)
		}
		if v > storageVersion {
			storageVersion = v
		}
	}

	kv.pending = append(kv.pending, pendingRetire{
		kvMaxVersion:   page.MaxVersion,
		storageVersion: storageVersion,
	})
	return true, nil
}

// retireMatured advances the KV WAL checkpoint past every pending page
// whose storage writes have already been made durable by the storage
// layer's own flusher, in page order. Pages are appended to kv.pending in
// drain order, so the oldest is always at index 0; nothing later can be
// eligible before it, so stopping at the first immature entry is correct.
func (kv *KV) retireMatured() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	durable := kv.store.Durable()
	var matured uint64
	found := false
	i := 0
	for ; i < len(kv.pending); i++ {
		if kv.pending[i].storageVersion > durable {
			break
		}
		matured = kv.pending[i].kvMaxVersion
		found = true
	}
	kv.pending = kv.pending[i:]

	if !found {
		return nil
	}
	if _, err := kv.log.CheckedVersion(matured + 1); err != nil {
		return fmt.Errorf("mineral: retire: %w", err)
	}
	return nil
}

// ForceRotate rotates the active KV change-buffer page immediately.
func (kv *KV) ForceRotate() {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.buf.ForceRotate()
}
