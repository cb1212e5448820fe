package fileh

import (
	"fmt"
	"sync"
)

// Memory is an in-memory FileHandle used by package tests so they don't need
// a scratch directory per case. It implements the same capability set as
// Disk with the same short-read-at-EOF semantics.
type Memory struct {
	mu   sync.Mutex
	name string
	buf  []byte
}

// NewMemory returns an empty in-memory file handle named name (for error
// messages only; it has no backing path).
func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

func (m *Memory) Write(pos int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := pos + int64(len(data))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[pos:end], data)
	return nil
}

func (m *Memory) Read(pos int64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos >= int64(len(m.buf)) || pos < 0 {
		return 0, nil
	}
	n := copy(buf, m.buf[pos:])
	return n, nil
}

func (m *Memory) ReadFromEnd(negOffset int64, buf []byte) (int, error) {
	m.mu.Lock()
	pos := int64(len(m.buf)) + negOffset
	m.mu.Unlock()
	if pos < 0 {
		pos = 0
	}
	return m.Read(pos, buf)
}

func (m *Memory) Append(data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := int64(len(m.buf))
	m.buf = append(m.buf, data...)
	return pos, nil
}

func (m *Memory) Prepend(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	combined := make([]byte, 0, len(data)+len(m.buf))
	combined = append(combined, data...)
	combined = append(combined, m.buf...)
	m.buf = combined
	return nil
}

func (m *Memory) Truncate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = nil
	return nil
}

func (m *Memory) Rename(newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = newPath
	return nil
}

func (m *Memory) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = nil
	return nil
}

func (m *Memory) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.buf)), nil
}

func (m *Memory) String() string {
	return fmt.Sprintf("memory(%s)", m.name)
}
