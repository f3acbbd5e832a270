package command

import (
	"github.com/kabili207/flashboot/core/codec"
)

// Execute decodes one datagram, runs the matching handler from table and
// returns the number of reply bytes written to out.
//
// A datagram whose first value is not an integer fails with
// ErrInvalidCommand. An index with no table entry fails with
// ErrCommandNotFound. In both cases nothing is written to out. A missing
// argument-array header is not an error: it means the command has no
// arguments.
func Execute(data []byte, table *Table, env *Env, out []byte) (int, error) {
	args := codec.NewReader(data)
	reply := codec.NewWriter(out)

	index, err := args.ReadInt()
	if err != nil {
		env.log.Debug("undecodable command index", "error", err, "len", len(data))
		return 0, ErrInvalidCommand
	}

	argc, err := args.ReadArrayHeader()
	if err != nil {
		argc = 0
	}

	cmd, ok := table.Lookup(index)
	if !ok {
		env.log.Debug("unknown command", "index", index)
		return 0, ErrCommandNotFound
	}

	env.log.Debug("executing command", "index", index, "name", cmd.Name, "argc", argc)
	cmd.Handler(env, argc, args, reply)

	return reply.Len(), nil
}
