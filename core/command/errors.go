package command

import "errors"

// Dispatcher errors. ErrorCode maps them to the negative codes returned to
// callers that only understand integers.
var (
	ErrInvalidCommand           = errors.New("command index could not be decoded")
	ErrCommandNotFound          = errors.New("command not found")
	ErrInvalidCommandSetVersion = errors.New("command set version mismatch")
	ErrDuplicateIndex           = errors.New("duplicate command index")
)

// Wire values of the dispatcher errors.
const (
	CodeInvalidCommand           = -1
	CodeCommandNotFound          = -2
	CodeInvalidCommandSetVersion = -3
)

// ErrorCode returns the negative wire code for err, or 0 for nil and errors
// the protocol has no code for.
func ErrorCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidCommand):
		return CodeInvalidCommand
	case errors.Is(err, ErrCommandNotFound):
		return CodeCommandNotFound
	case errors.Is(err, ErrInvalidCommandSetVersion):
		return CodeInvalidCommandSetVersion
	default:
		return 0
	}
}

// Flash erase/write reply codes. Success and unspecified keep the values
// 1 and 0 that older hosts read as booleans.
const (
	FlashErrorUnspecified = 0
	FlashSuccess          = 1
	FlashErrorBeforeApp   = 2
	FlashErrorAfterApp    = 3
	FlashErrorDeviceClass = 4
	FlashErrorUnknownSize = 5
)

// CRC reply error codes. They are encoded negated so they cannot be mistaken
// for a CRC value.
const (
	CRCErrorAddressUnspecified = 1
	CRCErrorLengthUnspecified  = 2
	CRCErrorIllegalAddress     = 3
)

// FlashCodeName returns a human-readable name for a flash reply code.
func FlashCodeName(code uint8) string {
	switch code {
	case FlashErrorUnspecified:
		return "unspecified error"
	case FlashSuccess:
		return "success"
	case FlashErrorBeforeApp:
		return "address before application"
	case FlashErrorAfterApp:
		return "address after application"
	case FlashErrorDeviceClass:
		return "device class mismatch"
	case FlashErrorUnknownSize:
		return "unknown size"
	default:
		return "unknown"
	}
}
