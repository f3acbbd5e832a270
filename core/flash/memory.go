package flash

import "sync"

// ErasedByte is the value of erased NOR flash.
const ErasedByte = 0xFF

// Memory is a RAM-backed flash image. Like NOR flash, programming can only
// clear bits; writing over non-erased data ANDs the new value in.
type Memory struct {
	mu       sync.Mutex
	layout   Layout
	data     []byte
	unlocked bool

	// Counters for diagnostics.
	Erases int
	Writes int
}

// Compile-time interface check.
var _ Backend = (*Memory)(nil)

// NewMemory returns an erased flash image covering layout.
func NewMemory(layout Layout) *Memory {
	data := make([]byte, layout.End-layout.Start)
	for i := range data {
		data[i] = ErasedByte
	}
	return &Memory{layout: layout, data: data}
}

// Layout returns the layout the image was created with.
func (m *Memory) Layout() Layout {
	return m.layout
}

func (m *Memory) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked = true
	return nil
}

func (m *Memory) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked = false
	return nil
}

// Unlocked reports whether the controller is currently writable.
func (m *Memory) Unlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlocked
}

func (m *Memory) ErasePage(addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return ErrLocked
	}
	if !m.layout.Contains(addr, 1) {
		return ErrOutOfRange
	}
	base := m.layout.PageBase(addr) - m.layout.Start
	end := min(base+uint32(m.layout.PageSize), uint32(len(m.data)))
	page := m.data[base:end]
	for i := range page {
		page[i] = ErasedByte
	}
	m.Erases++
	return nil
}

func (m *Memory) WritePage(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return ErrLocked
	}
	if !m.layout.Contains(addr, uint64(len(data))) {
		return ErrOutOfRange
	}
	if len(data) > 0 && m.layout.PageBase(addr) != m.layout.PageBase(addr+uint32(len(data))-1) {
		return ErrPageOverflow
	}
	off := addr - m.layout.Start
	for i, b := range data {
		m.data[off+uint32(i)] &= b
	}
	m.Writes++
	return nil
}

func (m *Memory) ReadAt(p []byte, addr uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.layout.Contains(addr, uint64(len(p))) {
		return 0, ErrOutOfRange
	}
	off := addr - m.layout.Start
	return copy(p, m.data[off:]), nil
}
