package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kabili207/flashboot/core/codec"
	"github.com/kabili207/flashboot/core/flash"
)

func encodeMap(t *testing.T, pairs ...any) []byte {
	t.Helper()
	w := codec.NewWriter(make([]byte, 512))
	if err := w.WriteMapHeader(len(pairs) / 2); err != nil {
		t.Fatal(err)
	}
	for _, p := range pairs {
		var err error
		switch v := p.(type) {
		case string:
			err = w.WriteStr(v)
		case int:
			err = w.WriteInt(int64(v))
		case bool:
			err = w.WriteBool(v)
		default:
			t.Fatalf("unsupported type %T", p)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	return w.Bytes()
}

func TestUpdateAppliesKnownKeys(t *testing.T) {
	cfg := Default()
	data := encodeMap(t,
		KeyID, 42,
		KeyName, "motor-left",
		KeyDeviceClass, "motor-board-v1",
		KeyApplicationCRC, 0x12345678,
		KeyApplicationSize, 4096,
		KeyUpdateCount, 7,
	)

	if err := cfg.Update(codec.NewReader(data)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if cfg.ID != 42 || cfg.BoardName != "motor-left" || cfg.DeviceClass != "motor-board-v1" {
		t.Errorf("identity = %d %q %q", cfg.ID, cfg.BoardName, cfg.DeviceClass)
	}
	if cfg.ApplicationCRC != 0x12345678 || cfg.ApplicationSize != 4096 || cfg.UpdateCount != 7 {
		t.Errorf("app fields = %#x %d %d", cfg.ApplicationCRC, cfg.ApplicationSize, cfg.UpdateCount)
	}
}

func TestUpdateIgnoresUnknownKeys(t *testing.T) {
	cfg := Default()
	data := encodeMap(t,
		"future_key", true,
		KeyID, 3,
		"another", "value",
	)

	if err := cfg.Update(codec.NewReader(data)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if cfg.ID != 3 {
		t.Errorf("ID = %d, want 3", cfg.ID)
	}
}

func TestUpdateStopsOnBadValue(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []any
		wantErr error
	}{
		{"id out of range", []any{KeyName, "a", KeyID, 300}, ErrValueRange},
		{"wrong type", []any{KeyName, "a", KeyID, "x"}, codec.ErrTypeMismatch},
		{"negative", []any{KeyName, "a", KeyUpdateCount, -1}, codec.ErrNegative},
		{"name too long", []any{KeyName, "a", KeyDeviceClass, strings.Repeat("x", MaxStringLen+1)}, ErrValueTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.Update(codec.NewReader(encodeMap(t, tt.pairs...)))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Update() error = %v, want %v", err, tt.wantErr)
			}
			if cfg.BoardName != "a" {
				t.Errorf("pairs before the bad one should stay applied, name = %q", cfg.BoardName)
			}
		})
	}
}

func TestUpdateRequiresMap(t *testing.T) {
	cfg := Default()
	if err := cfg.Update(codec.NewReader([]byte{0x05})); !errors.Is(err, codec.ErrTypeMismatch) {
		t.Errorf("Update(int) error = %v", err)
	}
}

func TestWriteMapRoundTripsThroughUpdate(t *testing.T) {
	src := Default()
	src.ID = 9
	src.BoardName = "board"
	src.DeviceClass = "class"
	src.UpdateCount = 2

	w := codec.NewWriter(make([]byte, 512))
	if err := src.WriteMap(w); err != nil {
		t.Fatalf("WriteMap() error = %v", err)
	}

	// Layout keys are read-only and must be skipped by Update.
	dst := &Config{}
	if err := dst.Update(codec.NewReader(w.Bytes())); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if dst.ID != 9 || dst.BoardName != "board" || dst.DeviceClass != "class" || dst.UpdateCount != 2 {
		t.Errorf("decoded = %+v", dst)
	}
	if dst.Layout != (flash.Layout{}) {
		t.Errorf("layout should not be updated from the wire, got %+v", dst.Layout)
	}
}

func TestReadMapIncludesLayout(t *testing.T) {
	src := Default()
	src.BoardName = "board"
	src.Layout.PageSize = 2048
	src.Layout.AppStart = 0x08008000
	src.Layout.ConfigAddr = 0x08007800

	w := codec.NewWriter(make([]byte, 512))
	if err := src.WriteMap(w); err != nil {
		t.Fatal(err)
	}

	dst := &Config{}
	if err := dst.ReadMap(codec.NewReader(w.Bytes())); err != nil {
		t.Fatalf("ReadMap() error = %v", err)
	}
	if *dst != *src {
		t.Errorf("ReadMap() = %+v, want %+v", dst, src)
	}
}

func TestWriteMapBufferFull(t *testing.T) {
	w := codec.NewWriter(make([]byte, 16))
	if err := Default().WriteMap(w); !errors.Is(err, codec.ErrBufferFull) {
		t.Errorf("WriteMap() error = %v, want %v", err, codec.ErrBufferFull)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	src := Default()
	src.ID = 1
	src.BoardName = "x"
	src.ApplicationCRC = 0xDEADBEEF

	data, err := Marshal(src, flash.DefaultPageSize)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	// Stored pages carry erased flash after the map.
	page := make([]byte, flash.DefaultPageSize)
	for i := range page {
		page[i] = flash.ErasedByte
	}
	copy(page, data)

	dst := Default()
	if err := Unmarshal(page, dst); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if dst.ID != 1 || dst.BoardName != "x" || dst.ApplicationCRC != 0xDEADBEEF {
		t.Errorf("decoded = %+v", dst)
	}

	page[5] ^= 0x01
	if err := Unmarshal(page, Default()); !errors.Is(err, ErrConfigCorrupt) {
		t.Errorf("Unmarshal(corrupt) error = %v, want %v", err, ErrConfigCorrupt)
	}
}

func TestUnmarshalErased(t *testing.T) {
	page := make([]byte, 64)
	for i := range page {
		page[i] = flash.ErasedByte
	}
	cfg := Default()
	cfg.ID = 5
	if err := Unmarshal(page, cfg); !errors.Is(err, ErrConfigCorrupt) {
		t.Fatalf("Unmarshal(erased) error = %v, want %v", err, ErrConfigCorrupt)
	}
	if cfg.ID != 5 {
		t.Error("failed Unmarshal must not modify cfg")
	}
}

func TestMarshalTooBig(t *testing.T) {
	if _, err := Marshal(Default(), 8); !errors.Is(err, ErrConfigTooBig) {
		t.Errorf("Marshal() error = %v, want %v", err, ErrConfigTooBig)
	}
}

func TestFlashStore(t *testing.T) {
	layout := flash.DefaultLayout()
	mem := flash.NewMemory(layout)
	store := NewFlashStore(mem, layout)

	cfg := Default()
	if err := store.Load(cfg); !errors.Is(err, ErrConfigCorrupt) {
		t.Fatalf("Load() from erased flash = %v, want %v", err, ErrConfigCorrupt)
	}

	cfg.BoardName = "stored"
	cfg.UpdateCount = 11
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if mem.Unlocked() {
		t.Error("Save() must leave the flash locked")
	}

	// Saving twice must erase first so the second write is not ANDed in.
	cfg.BoardName = "again"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	loaded := Default()
	if err := store.Load(loaded); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.BoardName != "again" || loaded.UpdateCount != 11 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.cfg")
	store := &FileStore{Path: path}

	if err := store.Load(Default()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load() missing file = %v, want os.ErrNotExist", err)
	}

	cfg := Default()
	cfg.DeviceClass = "sim"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded := Default()
	if err := store.Load(loaded); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DeviceClass != "sim" {
		t.Errorf("DeviceClass = %q, want sim", loaded.DeviceClass)
	}
}
