package codec

import "errors"

// EnvelopeHeaderSize is the version byte preceding every datagram payload.
const EnvelopeHeaderSize = 1

// ErrEmptyEnvelope is returned for a datagram without its version byte.
var ErrEmptyEnvelope = errors.New("empty datagram envelope")

// EncodeDatagram prefixes payload with the command set version.
func EncodeDatagram(version uint8, payload []byte) []byte {
	out := make([]byte, EnvelopeHeaderSize+len(payload))
	out[0] = version
	copy(out[EnvelopeHeaderSize:], payload)
	return out
}

// DecodeDatagram splits an envelope into its version and MessagePack
// payload. The payload aliases data.
func DecodeDatagram(data []byte) (uint8, []byte, error) {
	if len(data) < EnvelopeHeaderSize {
		return 0, nil, ErrEmptyEnvelope
	}
	return data[0], data[EnvelopeHeaderSize:], nil
}
