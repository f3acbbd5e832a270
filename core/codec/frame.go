package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameMagic starts every serial frame.
	FrameMagic uint16 = 0xB007
	// MaxFramePayload is the largest envelope a frame may carry. It fits one
	// page write plus its MessagePack overhead.
	MaxFramePayload = 2048
	// FrameHeaderSize is magic (2) + length (2).
	FrameHeaderSize = 4
	// FrameChecksumSize is the trailing Fletcher-16 checksum.
	FrameChecksumSize = 2
	// MinFrameSize is a frame with an empty payload.
	MinFrameSize = FrameHeaderSize + FrameChecksumSize
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// DecodeFrame extracts one frame from the front of data. It returns the
// payload (a copy), the bytes following the frame, and an error if data does
// not start with a valid frame.
//
// Frame format: [magic (2 BE)][length (2 BE)][payload][Fletcher-16 (2 BE)]
func DecodeFrame(data []byte) ([]byte, []byte, error) {
	if len(data) < MinFrameSize {
		return nil, data, ErrFrameTooShort
	}

	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic {
		return nil, data, ErrInvalidMagic
	}

	payloadLen := int(binary.BigEndian.Uint16(data[2:4]))
	if payloadLen > MaxFramePayload {
		return nil, data, ErrPayloadTooLarge
	}

	total := FrameHeaderSize + payloadLen + FrameChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	payload := data[FrameHeaderSize : FrameHeaderSize+payloadLen]
	received := binary.BigEndian.Uint16(data[FrameHeaderSize+payloadLen:])
	if !ValidateChecksum(payload, received) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x",
			ErrChecksumMismatch, Fletcher16(payload), received)
	}

	out := make([]byte, payloadLen)
	copy(out, payload)
	return out, data[total:], nil
}

// EncodeFrame wraps payload in a serial frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, FrameHeaderSize+len(payload)+FrameChecksumSize)
	binary.BigEndian.PutUint16(frame[0:2], FrameMagic)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	binary.BigEndian.PutUint16(frame[FrameHeaderSize+len(payload):], Fletcher16(payload))
	return frame, nil
}

// FindFrameStart returns the index of the first FrameMagic in data, or -1.
func FindFrameStart(data []byte) int {
	hi, lo := byte(FrameMagic>>8), byte(FrameMagic&0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}
