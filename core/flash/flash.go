// Package flash describes the flash programming backend used by the
// bootloader commands and provides an in-memory implementation for host
// simulation and tests.
//
// Backends are driven one operation at a time by a single caller. Every
// Unlock must be paired with a Lock before the caller returns.
package flash

import (
	"errors"
	"fmt"
)

// DefaultPageSize is the erase/write unit of the supported devices.
const DefaultPageSize = 1024

var (
	ErrLocked       = errors.New("flash controller is locked")
	ErrOutOfRange   = errors.New("address outside flash")
	ErrPageOverflow = errors.New("write crosses page boundary")
	ErrUnaligned    = errors.New("region boundary not page aligned")
)

// Backend is the flash controller as seen by the command handlers.
type Backend interface {
	// Unlock enables erase and write operations.
	Unlock() error
	// Lock disables erase and write operations.
	Lock() error
	// ErasePage erases the page containing addr.
	ErasePage(addr uint32) error
	// WritePage programs data at addr. data never exceeds one page.
	WritePage(addr uint32, data []byte) error
	// ReadAt copies flash contents starting at addr into p.
	ReadAt(p []byte, addr uint32) (int, error)
}

// Layout describes where things live in flash. The bootloader occupies
// [Start, AppStart) and the application [AppStart, AppEnd).
type Layout struct {
	Start      uint32
	End        uint32
	AppStart   uint32
	AppEnd     uint32
	ConfigAddr uint32
	PageSize   int
}

// DefaultLayout matches a 256 KiB part with 1 KiB pages: a 15 KiB
// bootloader, one config page, then the application.
func DefaultLayout() Layout {
	return Layout{
		Start:      0x08000000,
		End:        0x08040000,
		AppStart:   0x08004000,
		AppEnd:     0x08040000,
		ConfigAddr: 0x08003C00,
		PageSize:   DefaultPageSize,
	}
}

// Validate checks that the regions are ordered and page aligned.
func (l Layout) Validate() error {
	if l.PageSize <= 0 {
		return fmt.Errorf("invalid page size %d", l.PageSize)
	}
	if l.Start >= l.End {
		return fmt.Errorf("empty flash range [%#x, %#x)", l.Start, l.End)
	}
	if l.AppStart < l.Start || l.AppEnd > l.End || l.AppStart >= l.AppEnd {
		return fmt.Errorf("application range [%#x, %#x) outside flash", l.AppStart, l.AppEnd)
	}
	if l.ConfigAddr < l.Start || l.ConfigAddr+uint32(l.PageSize) > l.AppStart {
		return fmt.Errorf("config page %#x must sit between flash start and application", l.ConfigAddr)
	}
	ps := uint32(l.PageSize)
	if l.Start%ps != 0 {
		return fmt.Errorf("%w: %#x", ErrUnaligned, l.Start)
	}
	if (l.End-l.Start)%ps != 0 {
		return fmt.Errorf("flash size %#x is not a whole number of pages", l.End-l.Start)
	}
	for _, addr := range []uint32{l.AppStart, l.AppEnd, l.ConfigAddr} {
		if (addr-l.Start)%ps != 0 {
			return fmt.Errorf("%w: %#x", ErrUnaligned, addr)
		}
	}
	return nil
}

// Contains reports whether [addr, addr+n) lies inside flash.
func (l Layout) Contains(addr uint32, n uint64) bool {
	return addr >= l.Start && uint64(addr)+n <= uint64(l.End)
}

// PageBase returns the start of the page containing addr.
func (l Layout) PageBase(addr uint32) uint32 {
	ps := uint32(l.PageSize)
	return addr - (addr-l.Start)%ps
}
