// Package command implements the bootloader's command dispatcher: a fixed
// table mapping one-byte indices to handlers, the Execute entry point that
// decodes a datagram and calls the matching handler, and the standard
// handlers for flash, config, status and application handoff.
//
// Datagrams are MessagePack: an integer command index, an optional array
// header giving the argument count, then the arguments. Handlers decode their
// own arguments and encode their own reply.
package command

import (
	"fmt"

	"github.com/kabili207/flashboot/core/codec"
)

const (
	// CommandSetVersion identifies the revision of the standard table.
	CommandSetVersion = 3
	// CommandCount is the number of commands in the standard table.
	CommandCount = 10
)

// Standard command indices.
const (
	IndexJumpToApplication = 1
	IndexCRCRegion         = 2
	IndexEraseFlashPage    = 3
	IndexWriteFlash        = 4
	IndexPing              = 5
	IndexReadFlash         = 6
	IndexConfigUpdate      = 7
	IndexConfigWrite       = 8
	IndexConfigRead        = 9
	IndexGetStatus         = 10
)

// HandlerFunc executes one command. argc is the argument count announced by
// the datagram (0 when absent); args is positioned on the first argument.
// Handlers write their reply to out and must not keep args or out.
type HandlerFunc func(env *Env, argc int, args *codec.Reader, out *codec.Writer)

// Command binds an index to a handler.
type Command struct {
	Index   uint8
	Name    string
	Handler HandlerFunc
}

// Table is an immutable, duplicate-free list of commands.
type Table struct {
	version  uint8
	commands []Command
}

// NewTable builds a table and rejects duplicate indices or nil handlers.
func NewTable(version uint8, cmds ...Command) (*Table, error) {
	seen := make(map[uint8]string, len(cmds))
	for _, c := range cmds {
		if c.Handler == nil {
			return nil, fmt.Errorf("command %d (%s) has no handler", c.Index, c.Name)
		}
		if prev, ok := seen[c.Index]; ok {
			return nil, fmt.Errorf("%w: %d used by %s and %s", ErrDuplicateIndex, c.Index, prev, c.Name)
		}
		seen[c.Index] = c.Name
	}
	return &Table{
		version:  version,
		commands: append([]Command(nil), cmds...),
	}, nil
}

// MustTable is NewTable for tables written in source; it panics on error.
func MustTable(version uint8, cmds ...Command) *Table {
	t, err := NewTable(version, cmds...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup scans the table in order and returns the first command with the
// given index.
func (t *Table) Lookup(index int64) (Command, bool) {
	for _, c := range t.commands {
		if int64(c.Index) == index {
			return c, true
		}
	}
	return Command{}, false
}

// Version returns the command set version the table implements.
func (t *Table) Version() uint8 {
	return t.version
}

// Len returns the number of commands.
func (t *Table) Len() int {
	return len(t.commands)
}

// Commands returns a copy of the table entries in scan order.
func (t *Table) Commands() []Command {
	return append([]Command(nil), t.commands...)
}

// Standard returns the standard command set.
func Standard() []Command {
	return []Command{
		{Index: IndexJumpToApplication, Name: "jump_to_application", Handler: JumpToApplication},
		{Index: IndexCRCRegion, Name: "crc_region", Handler: CRCRegion},
		{Index: IndexEraseFlashPage, Name: "erase_flash_page", Handler: EraseFlashPage},
		{Index: IndexWriteFlash, Name: "write_flash", Handler: WriteFlash},
		{Index: IndexPing, Name: "ping", Handler: Ping},
		{Index: IndexReadFlash, Name: "read_flash", Handler: ReadFlash},
		{Index: IndexConfigUpdate, Name: "config_update", Handler: ConfigUpdate},
		{Index: IndexConfigWrite, Name: "config_write_to_flash", Handler: ConfigWriteToFlash},
		{Index: IndexConfigRead, Name: "config_read", Handler: ConfigRead},
		{Index: IndexGetStatus, Name: "get_status", Handler: GetStatus},
	}
}

// DefaultTable returns the standard table at CommandSetVersion.
func DefaultTable() *Table {
	return MustTable(CommandSetVersion, Standard()...)
}
