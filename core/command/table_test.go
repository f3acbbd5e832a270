package command

import (
	"errors"
	"testing"

	"github.com/kabili207/flashboot/core/codec"
)

func nop(*Env, int, *codec.Reader, *codec.Writer) {}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	if table.Version() != CommandSetVersion {
		t.Errorf("Version() = %d, want %d", table.Version(), CommandSetVersion)
	}
	if table.Len() != CommandCount {
		t.Errorf("Len() = %d, want %d", table.Len(), CommandCount)
	}

	want := map[uint8]string{
		IndexJumpToApplication: "jump_to_application",
		IndexCRCRegion:         "crc_region",
		IndexEraseFlashPage:    "erase_flash_page",
		IndexWriteFlash:        "write_flash",
		IndexPing:              "ping",
		IndexReadFlash:         "read_flash",
		IndexConfigUpdate:      "config_update",
		IndexConfigWrite:       "config_write_to_flash",
		IndexConfigRead:        "config_read",
		IndexGetStatus:         "get_status",
	}
	for index, name := range want {
		cmd, ok := table.Lookup(int64(index))
		if !ok {
			t.Errorf("Lookup(%d) missing", index)
			continue
		}
		if cmd.Name != name {
			t.Errorf("Lookup(%d).Name = %q, want %q", index, cmd.Name, name)
		}
	}
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable(1,
		Command{Index: 4, Name: "a", Handler: nop},
		Command{Index: 4, Name: "b", Handler: nop},
	)
	if !errors.Is(err, ErrDuplicateIndex) {
		t.Errorf("error = %v, want %v", err, ErrDuplicateIndex)
	}
}

func TestNewTableRejectsNilHandler(t *testing.T) {
	if _, err := NewTable(1, Command{Index: 4, Name: "a"}); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestMustTablePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustTable did not panic on duplicate index")
		}
	}()
	MustTable(1,
		Command{Index: 1, Name: "a", Handler: nop},
		Command{Index: 1, Name: "b", Handler: nop},
	)
}

func TestLookupOutOfRange(t *testing.T) {
	table := MustTable(1, Command{Index: 0, Name: "zero", Handler: nop})
	for _, index := range []int64{-1, 256, 1 << 40} {
		if _, ok := table.Lookup(index); ok {
			t.Errorf("Lookup(%d) found a command", index)
		}
	}
	if _, ok := table.Lookup(0); !ok {
		t.Error("Lookup(0) missing")
	}
}

func TestCommandsIsACopy(t *testing.T) {
	table := DefaultTable()
	cmds := table.Commands()
	cmds[0].Name = "changed"
	if table.Commands()[0].Name == "changed" {
		t.Error("Commands() exposes internal slice")
	}
}
