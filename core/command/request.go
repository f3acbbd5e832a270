package command

import (
	"errors"
	"fmt"
	"slices"

	"github.com/kabili207/flashboot/core/codec"
	"github.com/kabili207/flashboot/core/config"
)

// MaxRequestSize bounds encoded requests so they fit one serial frame
// together with the envelope byte.
const MaxRequestSize = codec.MaxFramePayload - codec.EnvelopeHeaderSize

// PageExtType is the extension type used for page payloads. The bootloader
// accepts any type.
const PageExtType int8 = 0

var ErrUnexpectedReply = errors.New("unexpected reply")

// buildRequest encodes index, an array header when argc > 0, then whatever
// args writes.
func buildRequest(index uint8, argc int, args func(w *codec.Writer) error) ([]byte, error) {
	w := codec.NewWriter(make([]byte, MaxRequestSize))
	if err := w.WriteUint(uint64(index)); err != nil {
		return nil, err
	}
	if argc > 0 {
		if err := w.WriteArrayHeader(argc); err != nil {
			return nil, err
		}
		if err := args(w); err != nil {
			return nil, fmt.Errorf("encoding arguments: %w", err)
		}
	}
	return append([]byte(nil), w.Bytes()...), nil
}

func noArgs(index uint8) []byte {
	req, _ := buildRequest(index, 0, nil)
	return req
}

// BuildPing encodes a ping request.
func BuildPing() []byte { return noArgs(IndexPing) }

// BuildGetStatus encodes a status query.
func BuildGetStatus() []byte { return noArgs(IndexGetStatus) }

// BuildJumpToApplication encodes a jump request.
func BuildJumpToApplication() []byte { return noArgs(IndexJumpToApplication) }

// BuildConfigRead encodes a config read request.
func BuildConfigRead() []byte { return noArgs(IndexConfigRead) }

// BuildConfigWriteToFlash encodes a config commit request.
func BuildConfigWriteToFlash() []byte { return noArgs(IndexConfigWrite) }

// BuildWriteFlash encodes a page write. An empty deviceClass omits the
// device class check.
func BuildWriteFlash(addr uint32, data []byte, deviceClass string) ([]byte, error) {
	argc := 2
	if deviceClass != "" {
		argc = 3
	}
	return buildRequest(IndexWriteFlash, argc, func(w *codec.Writer) error {
		if err := w.WriteUint(uint64(addr)); err != nil {
			return err
		}
		if err := w.WriteExt(PageExtType, data); err != nil {
			return err
		}
		if deviceClass != "" {
			return w.WriteStr(deviceClass)
		}
		return nil
	})
}

// BuildEraseFlashPage encodes a page erase. An empty deviceClass omits the
// device class check.
func BuildEraseFlashPage(addr uint32, deviceClass string) ([]byte, error) {
	argc := 1
	if deviceClass != "" {
		argc = 2
	}
	return buildRequest(IndexEraseFlashPage, argc, func(w *codec.Writer) error {
		if err := w.WriteUint(uint64(addr)); err != nil {
			return err
		}
		if deviceClass != "" {
			return w.WriteStr(deviceClass)
		}
		return nil
	})
}

// BuildReadFlash encodes a read of length bytes at addr.
func BuildReadFlash(addr, length uint32) ([]byte, error) {
	return buildRequest(IndexReadFlash, 2, func(w *codec.Writer) error {
		if err := w.WriteUint(uint64(addr)); err != nil {
			return err
		}
		return w.WriteUint(uint64(length))
	})
}

// BuildCRCRegion encodes a CRC request over [addr, addr+length).
func BuildCRCRegion(addr, length uint32) ([]byte, error) {
	return buildRequest(IndexCRCRegion, 2, func(w *codec.Writer) error {
		if err := w.WriteUint(uint64(addr)); err != nil {
			return err
		}
		return w.WriteUint(uint64(length))
	})
}

// BuildConfigUpdate encodes a config update. Values may be strings, bools or
// integers. Keys are sorted so requests are reproducible.
func BuildConfigUpdate(values map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return buildRequest(IndexConfigUpdate, 1, func(w *codec.Writer) error {
		if err := w.WriteMapHeader(len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := w.WriteStr(k); err != nil {
				return err
			}
			if err := writeAny(w, values[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	})
}

func writeAny(w *codec.Writer, v any) error {
	switch v := v.(type) {
	case string:
		return w.WriteStr(v)
	case bool:
		return w.WriteBool(v)
	case int:
		return w.WriteInt(int64(v))
	case int64:
		return w.WriteInt(v)
	case uint8:
		return w.WriteUint(uint64(v))
	case uint32:
		return w.WriteUint(uint64(v))
	case uint64:
		return w.WriteUint(v)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

// DecodeFlashReply decodes the reply of write_flash or erase_flash_page.
func DecodeFlashReply(reply []byte) (uint8, error) {
	v, err := codec.NewReader(reply).ReadUint()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	if v > 0xFF {
		return 0, fmt.Errorf("%w: flash code %d", ErrUnexpectedReply, v)
	}
	return uint8(v), nil
}

// DecodeCRCReply decodes a crc_region reply. A non-zero errCode is one of
// the CRCError* values.
func DecodeCRCReply(reply []byte) (crc uint32, errCode int, err error) {
	v, err := codec.NewReader(reply).ReadInt()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	if v < 0 {
		return 0, int(-v), nil
	}
	if v > 0xFFFFFFFF {
		return 0, 0, fmt.Errorf("%w: crc %d", ErrUnexpectedReply, v)
	}
	return uint32(v), 0, nil
}

// DecodeBoolReply decodes a ping or config_write_to_flash reply.
func DecodeBoolReply(reply []byte) (bool, error) {
	v, err := codec.NewReader(reply).ReadBool()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return v, nil
}

// DecodeStatusReply decodes a get_status reply.
func DecodeStatusReply(reply []byte) (uint8, error) {
	return DecodeFlashReply(reply)
}

// DecodeReadReply decodes a read_flash reply. A nil reply (illegal range)
// decodes as a nil slice.
func DecodeReadReply(reply []byte) ([]byte, error) {
	v, err := codec.NewReader(reply).ReadBin()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return v, nil
}

// DecodeConfigReply applies a config_read reply, layout included, to cfg.
func DecodeConfigReply(reply []byte, cfg *config.Config) error {
	if err := cfg.ReadMap(codec.NewReader(reply)); err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return nil
}
