// Package config holds the bootloader configuration: the identity and
// application metadata that the host can read, update in RAM, and commit to
// non-volatile storage.
package config

import (
	"errors"
	"fmt"

	"github.com/kabili207/flashboot/core/codec"
	"github.com/kabili207/flashboot/core/flash"
)

// MaxStringLen bounds the board name and device class.
const MaxStringLen = 64

// Map keys. The first group is writable through Update, the layout keys are
// reported by WriteMap only.
const (
	KeyID              = "ID"
	KeyName            = "name"
	KeyDeviceClass     = "device_class"
	KeyApplicationCRC  = "application_crc"
	KeyApplicationSize = "application_size"
	KeyUpdateCount     = "update_count"

	KeyFlashStart = "flash_start"
	KeyFlashEnd   = "flash_end"
	KeyAppStart   = "application_start"
	KeyAppEnd     = "application_end"
	KeyPageSize   = "page_size"
	KeyConfigAddr = "config_addr"
)

var (
	ErrValueTooLong = errors.New("value too long")
	ErrValueRange   = errors.New("value out of range")
)

// Config is the in-RAM bootloader configuration.
type Config struct {
	ID              uint8
	BoardName       string
	DeviceClass     string
	ApplicationCRC  uint32
	ApplicationSize uint32
	UpdateCount     uint32

	// Layout is fixed by the hardware and never updated from the wire.
	Layout flash.Layout
}

// Default returns an unconfigured board on the default flash layout.
func Default() *Config {
	return &Config{Layout: flash.DefaultLayout()}
}

// WriteMap encodes the configuration, layout included, as a MessagePack map.
func (c *Config) WriteMap(w *codec.Writer) error {
	if err := w.WriteMapHeader(12); err != nil {
		return err
	}
	if err := c.writeFields(w); err != nil {
		return err
	}
	for _, kv := range []struct {
		key string
		val uint64
	}{
		{KeyFlashStart, uint64(c.Layout.Start)},
		{KeyFlashEnd, uint64(c.Layout.End)},
		{KeyAppStart, uint64(c.Layout.AppStart)},
		{KeyAppEnd, uint64(c.Layout.AppEnd)},
		{KeyPageSize, uint64(c.Layout.PageSize)},
		{KeyConfigAddr, uint64(c.Layout.ConfigAddr)},
	} {
		if err := writeUint(w, kv.key, kv.val); err != nil {
			return err
		}
	}
	return nil
}

// writeFields encodes the six persisted key/value pairs without a header.
func (c *Config) writeFields(w *codec.Writer) error {
	if err := writeUint(w, KeyID, uint64(c.ID)); err != nil {
		return err
	}
	if err := writeStr(w, KeyName, c.BoardName); err != nil {
		return err
	}
	if err := writeStr(w, KeyDeviceClass, c.DeviceClass); err != nil {
		return err
	}
	if err := writeUint(w, KeyApplicationCRC, uint64(c.ApplicationCRC)); err != nil {
		return err
	}
	if err := writeUint(w, KeyApplicationSize, uint64(c.ApplicationSize)); err != nil {
		return err
	}
	return writeUint(w, KeyUpdateCount, uint64(c.UpdateCount))
}

// Update decodes a map from r and applies every recognized key. Unknown keys
// are skipped so newer hosts can talk to older bootloaders, and so are the
// layout keys. Decoding stops at the first malformed pair; pairs applied
// before it stay applied.
func (c *Config) Update(r *codec.Reader) error {
	return c.decode(r, false)
}

// ReadMap decodes a map written by WriteMap, layout keys included. Hosts use
// it to learn the device's layout.
func (c *Config) ReadMap(r *codec.Reader) error {
	return c.decode(r, true)
}

func (c *Config) decode(r *codec.Reader, layout bool) error {
	n, err := r.ReadMapHeader()
	if err != nil {
		return fmt.Errorf("reading config map: %w", err)
	}
	for range n {
		key, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("reading config key: %w", err)
		}
		if layout && isLayoutKey(key) {
			err = c.setLayout(key, r)
		} else {
			err = c.set(key, r)
		}
		if err != nil {
			return fmt.Errorf("config %q: %w", key, err)
		}
	}
	return nil
}

func isLayoutKey(key string) bool {
	switch key {
	case KeyFlashStart, KeyFlashEnd, KeyAppStart, KeyAppEnd, KeyPageSize, KeyConfigAddr:
		return true
	}
	return false
}

func (c *Config) setLayout(key string, r *codec.Reader) error {
	v, err := readUint(r, 0xFFFFFFFF)
	if err != nil {
		return err
	}
	switch key {
	case KeyFlashStart:
		c.Layout.Start = uint32(v)
	case KeyFlashEnd:
		c.Layout.End = uint32(v)
	case KeyAppStart:
		c.Layout.AppStart = uint32(v)
	case KeyAppEnd:
		c.Layout.AppEnd = uint32(v)
	case KeyPageSize:
		c.Layout.PageSize = int(v)
	case KeyConfigAddr:
		c.Layout.ConfigAddr = uint32(v)
	}
	return nil
}

func (c *Config) set(key string, r *codec.Reader) error {
	switch key {
	case KeyID:
		v, err := readUint(r, 0xFF)
		if err != nil {
			return err
		}
		c.ID = uint8(v)
	case KeyName:
		v, err := readStr(r)
		if err != nil {
			return err
		}
		c.BoardName = v
	case KeyDeviceClass:
		v, err := readStr(r)
		if err != nil {
			return err
		}
		c.DeviceClass = v
	case KeyApplicationCRC:
		v, err := readUint(r, 0xFFFFFFFF)
		if err != nil {
			return err
		}
		c.ApplicationCRC = uint32(v)
	case KeyApplicationSize:
		v, err := readUint(r, 0xFFFFFFFF)
		if err != nil {
			return err
		}
		c.ApplicationSize = uint32(v)
	case KeyUpdateCount:
		v, err := readUint(r, 0xFFFFFFFF)
		if err != nil {
			return err
		}
		c.UpdateCount = uint32(v)
	default:
		return r.Skip()
	}
	return nil
}

func readUint(r *codec.Reader, max uint64) (uint64, error) {
	v, err := r.ReadUint()
	if err != nil {
		return 0, err
	}
	if v > max {
		return 0, fmt.Errorf("%w: %d > %d", ErrValueRange, v, max)
	}
	return v, nil
}

func readStr(r *codec.Reader) (string, error) {
	s, err := r.ReadString()
	if err != nil {
		return "", err
	}
	if len(s) > MaxStringLen {
		return "", fmt.Errorf("%w: %d bytes", ErrValueTooLong, len(s))
	}
	return s, nil
}

func writeUint(w *codec.Writer, key string, v uint64) error {
	if err := w.WriteStr(key); err != nil {
		return err
	}
	return w.WriteUint(v)
}

func writeStr(w *codec.Writer, key, v string) error {
	if err := w.WriteStr(key); err != nil {
		return err
	}
	return w.WriteStr(v)
}
