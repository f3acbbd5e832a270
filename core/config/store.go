package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/kabili207/flashboot/core/codec"
	"github.com/kabili207/flashboot/core/flash"
)

// crcSize is the little-endian CRC-32 in front of a stored config.
const crcSize = 4

var (
	ErrConfigCorrupt = errors.New("stored config failed CRC check")
	ErrConfigTooBig  = errors.New("config does not fit in storage")
)

// Store persists the configuration.
type Store interface {
	// Load replaces the persisted fields of cfg with the stored ones.
	// The layout is left untouched.
	Load(cfg *Config) error
	// Save persists cfg.
	Save(cfg *Config) error
}

// Marshal encodes the persisted fields as [crc32 LE][map] in at most max
// bytes.
func Marshal(cfg *Config, max int) ([]byte, error) {
	if max < crcSize {
		return nil, ErrConfigTooBig
	}
	buf := make([]byte, max)
	w := codec.NewWriter(buf[crcSize:])
	if err := w.WriteMapHeader(6); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigTooBig, err)
	}
	if err := cfg.writeFields(w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigTooBig, err)
	}
	binary.LittleEndian.PutUint32(buf, crc32.ChecksumIEEE(w.Bytes()))
	return buf[:crcSize+w.Len()], nil
}

// Unmarshal verifies the CRC of data and applies the stored map to cfg.
// Trailing bytes after the map (erased flash) are ignored.
func Unmarshal(data []byte, cfg *Config) error {
	if len(data) < crcSize {
		return ErrConfigCorrupt
	}
	want := binary.LittleEndian.Uint32(data)
	r := codec.NewReader(data[crcSize:])

	// The map length is only known after decoding it, so decode into a
	// scratch copy and check the CRC over what was consumed.
	scratch := *cfg
	if err := scratch.Update(r); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigCorrupt, err)
	}
	used := len(data) - crcSize - r.Remaining()
	if crc32.ChecksumIEEE(data[crcSize:crcSize+used]) != want {
		return ErrConfigCorrupt
	}
	*cfg = scratch
	return nil
}

// FlashStore keeps the config in one flash page.
type FlashStore struct {
	Flash flash.Backend
	// Addr is the config page. PageSize bounds the encoded size.
	Addr     uint32
	PageSize int
}

// NewFlashStore stores the config at layout.ConfigAddr.
func NewFlashStore(backend flash.Backend, layout flash.Layout) *FlashStore {
	return &FlashStore{Flash: backend, Addr: layout.ConfigAddr, PageSize: layout.PageSize}
}

func (s *FlashStore) Load(cfg *Config) error {
	page := make([]byte, s.PageSize)
	if _, err := s.Flash.ReadAt(page, s.Addr); err != nil {
		return fmt.Errorf("reading config page: %w", err)
	}
	return Unmarshal(page, cfg)
}

func (s *FlashStore) Save(cfg *Config) (err error) {
	data, err := Marshal(cfg, s.PageSize)
	if err != nil {
		return err
	}
	if err := s.Flash.Unlock(); err != nil {
		return fmt.Errorf("unlocking flash: %w", err)
	}
	defer func() {
		if lerr := s.Flash.Lock(); lerr != nil && err == nil {
			err = fmt.Errorf("locking flash: %w", lerr)
		}
	}()
	if err := s.Flash.ErasePage(s.Addr); err != nil {
		return fmt.Errorf("erasing config page: %w", err)
	}
	if err := s.Flash.WritePage(s.Addr, data); err != nil {
		return fmt.Errorf("writing config page: %w", err)
	}
	return nil
}

// FileStore keeps the config in a file, for host simulation.
type FileStore struct {
	Path string
	// MaxSize bounds the encoded size. Defaults to flash.DefaultPageSize.
	MaxSize int
}

func (s *FileStore) maxSize() int {
	if s.MaxSize > 0 {
		return s.MaxSize
	}
	return flash.DefaultPageSize
}

// Load reads the file. A missing file leaves cfg unchanged and returns an
// error matching os.ErrNotExist.
func (s *FileStore) Load(cfg *Config) error {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	return Unmarshal(data, cfg)
}

// Save writes to a temporary file and renames it over Path.
func (s *FileStore) Save(cfg *Config) error {
	data, err := Marshal(cfg, s.maxSize())
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".config-*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}
