package bootloader

import (
	"github.com/kabili207/flashboot/core/codec"
)

// ParseReply splits a reply envelope into the device's command set version
// and the command reply. Dispatcher failures arrive as an empty reply, the
// same as a command with no reply value; the caller decides from the request
// whether an empty reply is an error.
func ParseReply(envelope []byte) (uint8, []byte, error) {
	return codec.DecodeDatagram(envelope)
}
