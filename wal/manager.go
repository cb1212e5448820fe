package wal

import (
	"encoding/binary"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ddnus/mineral/fileh"
)

const (
	// DefaultMaxSegmentSize is the forced-rotation size threshold (file_max_size).
	DefaultMaxSegmentSize int64 = 10 << 30
	// DefaultRotationLiveTime is the forced-rotation age threshold (rotation_live_time).
	DefaultRotationLiveTime = 1800 * time.Second

	segmentPrefix = "@wal-"
	checkedPrefix = "@checked-wal-"
)

var segmentNamePattern = regexp.MustCompile(`^@wal-(\d+)$`)
var checkedNamePattern = regexp.MustCompile(`^@checked-wal-(\d+)$`)

// Payload is one replayed WAL record: the caller's bytes plus the version
// the manager assigned it at append time.
type Payload struct {
	Data    []byte
	Version uint64
}

// Manager owns a directory of segment files, assigning each appended record
// a monotonically increasing version and rotating segments by size or age
// (spec.md §4.6).
type Manager struct {
	mu sync.Mutex

	dir         string
	open        func(path string) (fileh.FileHandle, error)
	maxSize     int64
	maxLiveTime time.Duration

	active       *Segment
	rotationTime time.Time
	seq          uint64 // last assigned version; 0 means none assigned yet
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMaxSegmentSize overrides the forced-rotation size threshold.
func WithMaxSegmentSize(n int64) Option {
	return func(m *Manager) { m.maxSize = n }
}

// WithRotationLiveTime overrides the forced-rotation age threshold.
func WithRotationLiveTime(d time.Duration) Option {
	return func(m *Manager) { m.maxLiveTime = d }
}

// WithFileOpener overrides how segment files are opened; tests use this to
// back segments with fileh.Memory instead of disk files.
func WithFileOpener(open func(path string) (fileh.FileHandle, error)) Option {
	return func(m *Manager) { m.open = open }
}

func diskOpen(path string) (fileh.FileHandle, error) {
	return fileh.Open(path)
}

// Open scans dir for existing segments, finishing any interrupted retirement
// (deleting leftover "@checked-wal-*" files) and resuming seq from the
// highest version seen. If dir has no segments yet, a fresh one is created
// starting at version 0.
func Open(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:         dir,
		open:        diskOpen,
		maxSize:     DefaultMaxSegmentSize,
		maxLiveTime: DefaultRotationLiveTime,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: open manager: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: open manager: %w", err)
	}

	var starts []uint64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if checkedNamePattern.MatchString(e.Name()) {
			// A crash between the Checked rename and the follow-up delete
			// left this behind; it is already sealed so finish the delete.
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("wal: open manager: finish retire of %s: %w", e.Name(), err)
			}
			continue
		}
		match := segmentNamePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		var v uint64
		if _, err := fmt.Sscanf(match[1], "%d", &v); err != nil {
			continue
		}
		starts = append(starts, v)
	}

	if len(starts) == 0 {
		if err := m.openActive(0); err != nil {
			return nil, fmt.Errorf("wal: open manager: %w", err)
		}
		return m, nil
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	activeStart := starts[len(starts)-1]

	if err := m.openActive(activeStart); err != nil {
		return nil, fmt.Errorf("wal: open manager: %w", err)
	}

	latest, err := m.active.LatestVersion()
	if err != nil {
		return nil, fmt.Errorf("wal: open manager: %w", err)
	}
	if latest == 0 && len(starts) > 1 {
		priorStart := starts[len(starts)-2]
		priorFh, err := m.open(m.segmentPath(priorStart))
		if err != nil {
			return nil, fmt.Errorf("wal: open manager: open prior segment: %w", err)
		}
		prior, err := OpenSegment(priorFh, priorStart)
		if err != nil {
			return nil, fmt.Errorf("wal: open manager: %w", err)
		}
		latest, err = prior.LatestVersion()
		if err != nil {
			return nil, fmt.Errorf("wal: open manager: %w", err)
		}
	}
	m.seq = latest

	return m, nil
}

func (m *Manager) segmentPath(version uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%d", segmentPrefix, version))
}

func (m *Manager) checkedPath(version uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%d", checkedPrefix, version))
}

// openActive opens (creating if necessary) the segment file starting at
// startVersion and makes it the active segment. Caller holds m.mu or is
// still inside Open (single-threaded).
func (m *Manager) openActive(startVersion uint64) error {
	fh, err := m.open(m.segmentPath(startVersion))
	if err != nil {
		return err
	}
	seg, err := OpenSegment(fh, startVersion)
	if err != nil {
		return err
	}
	m.active = seg
	m.rotationTime = time.Now()
	return nil
}

// Append assigns the next version to data, appends data||version(BE64) to
// the active segment, and rotates to a fresh segment if the forced size or
// age threshold has been crossed.
func (m *Manager) Append(data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	version := m.seq

	record := make([]byte, len(data)+8)
	copy(record, data)
	binary.BigEndian.PutUint64(record[len(data):], version)

	if err := m.active.Append(record); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}

	if m.active.Size() >= m.maxSize || time.Since(m.rotationTime) >= m.maxLiveTime {
		if err := m.rotate(); err != nil {
			return 0, fmt.Errorf("wal: append: %w", err)
		}
	}

	return version, nil
}

// rotate pushes the active segment's start onto disk (it simply stays where
// it is; nothing to do but stop writing to it) and opens a new active
// segment starting at the next version. Caller holds m.mu.
func (m *Manager) rotate() error {
	return m.openActive(m.seq + 1)
}

// ForceRotate starts a fresh active segment regardless of size or age,
// provided the active segment actually has data. A no-op on an empty active
// segment (nothing would be gained by sealing it).
func (m *Manager) ForceRotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active.Size() == 0 {
		return nil
	}
	return m.rotate()
}

// sealedStarts lists the on-disk segment start versions other than the
// active one, in ascending order. Caller holds m.mu.
func (m *Manager) sealedStarts() ([]uint64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var starts []uint64
	for _, e := range entries {
		match := segmentNamePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		var v uint64
		if _, err := fmt.Sscanf(match[1], "%d", &v); err != nil {
			continue
		}
		if v == m.active.VersionStart {
			continue
		}
		starts = append(starts, v)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

// CheckedVersion seals and deletes, oldest first, every sealed segment whose
// versions are all strictly less than ltVersion. A segment holds the
// versions from its own start up to the next segment's start minus one, so
// it is retired only when the next segment starts at or below ltVersion;
// retirement stops at the first segment that still holds a version >=
// ltVersion. If the active segment's start is itself <= ltVersion and it
// holds data, it is force-rotated first so its data is captured in a sealed
// segment rather than staying live forever. Returns the start versions of
// the segments that were retired.
func (m *Manager) CheckedVersion(ltVersion uint64) ([]uint64, error) {
	m.mu.Lock()
	if m.active.VersionStart <= ltVersion && m.active.Size() > 0 {
		if err := m.rotate(); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("wal: checked_version: %w", err)
		}
	}
	starts, err := m.sealedStarts()
	activeStart := m.active.VersionStart
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("wal: checked_version: %w", err)
	}

	var retired []uint64
	for i, v := range starts {
		if v >= ltVersion {
			continue
		}
		next := activeStart
		if i+1 < len(starts) {
			next = starts[i+1]
		}
		if next > ltVersion {
			break
		}
		fh, err := m.open(m.segmentPath(v))
		if err != nil {
			return retired, fmt.Errorf("wal: checked_version: open %d: %w", v, err)
		}
		seg, err := OpenSegment(fh, v)
		if err != nil {
			return retired, fmt.Errorf("wal: checked_version: %w", err)
		}
		if err := seg.Checked(m.checkedPath(v)); err != nil {
			return retired, fmt.Errorf("wal: checked_version: %w", err)
		}
		if err := seg.Delete(); err != nil {
			return retired, fmt.Errorf("wal: checked_version: %w", err)
		}
		retired = append(retired, v)
	}
	return retired, nil
}

// Reader replays every record with minVersion <= version (and <= maxVersion
// when maxVersion != 0; maxVersion == 0 means unbounded), across all
// segments, oldest first.
func (m *Manager) Reader(minVersion, maxVersion uint64) iter.Seq2[Payload, error] {
	return func(yield func(Payload, error) bool) {
		m.mu.Lock()
		starts, err := m.sealedStarts()
		if err != nil {
			m.mu.Unlock()
			yield(Payload{}, fmt.Errorf("wal: reader: %w", err))
			return
		}
		starts = append(starts, m.active.VersionStart)
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
		m.mu.Unlock()

		for _, v := range starts {
			m.mu.Lock()
			var seg *Segment
			if v == m.active.VersionStart {
				seg = m.active
			}
			m.mu.Unlock()

			if seg == nil {
				fh, err := m.open(m.segmentPath(v))
				if err != nil {
					if !yield(Payload{}, fmt.Errorf("wal: reader: open %d: %w", v, err)) {
						return
					}
					continue
				}
				seg, err = OpenSegment(fh, v)
				if err != nil {
					if !yield(Payload{}, fmt.Errorf("wal: reader: %w", err)) {
						return
					}
					continue
				}
			}

			for rec, err := range seg.Records() {
				if err != nil {
					if !yield(Payload{}, err) {
						return
					}
					continue
				}
				if len(rec) < 8 {
					continue
				}
				version := binary.BigEndian.Uint64(rec[len(rec)-8:])
				if version < minVersion {
					continue
				}
				if maxVersion != 0 && version > maxVersion {
					continue
				}
				if !yield(Payload{Data: rec[:len(rec)-8], Version: version}, nil) {
					return
				}
			}
		}
	}
}

// LatestVersion returns the most recently assigned version, or 0 if nothing
// has been appended yet.
func (m *Manager) LatestVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}
