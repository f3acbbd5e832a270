package command

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/kabili207/flashboot/core/codec"
)

var errAddressRange = errors.New("address exceeds 32 bits")

// WriteFlash programs one page.
//
// Arguments: address (uint), data (ext, 1 to PageSize bytes within a single
// page), and optionally the device class (str) the image was built for. If any
// argument fails to decode the handler returns without touching flash or
// replying. Otherwise it replies one of the Flash* codes and records it in the
// status register.
func WriteFlash(env *Env, argc int, args *codec.Reader, out *codec.Writer) {
	addr, err := readAddress(args)
	if err != nil {
		env.log.Debug("write_flash: bad address", "error", err)
		return
	}

	_, n, err := args.ReadExt(env.page)
	if errors.Is(err, codec.ErrExtTooLarge) {
		env.log.Debug("write_flash: payload larger than a page", "size", n, "page", len(env.page))
		env.replyFlash(out, FlashErrorUnknownSize)
		return
	}
	if err != nil {
		env.log.Debug("write_flash: bad payload", "error", err)
		return
	}

	var deviceClass *string
	if argc >= 3 {
		dc, err := args.ReadString()
		if err != nil {
			env.log.Debug("write_flash: bad device class", "error", err)
			return
		}
		deviceClass = &dc
	}

	if n == 0 {
		env.log.Debug("write_flash: empty payload", "addr", addr)
		env.replyFlash(out, FlashErrorUnknownSize)
		return
	}
	if code := env.checkTarget(addr, uint64(n), deviceClass); code != FlashSuccess {
		env.replyFlash(out, code)
		return
	}

	data := env.page[:n]
	code := env.programPage(addr, data, true)
	if code == FlashSuccess && !env.verifyPage(addr, data) {
		code = FlashErrorUnspecified
	}
	env.replyFlash(out, code)
}

// EraseFlashPage erases the page containing the address argument. An optional
// second argument is the expected device class. Replies a Flash* code.
func EraseFlashPage(env *Env, argc int, args *codec.Reader, out *codec.Writer) {
	addr, err := readAddress(args)
	if err != nil {
		env.log.Debug("erase_flash_page: bad address", "error", err)
		return
	}

	var deviceClass *string
	if argc >= 2 {
		dc, err := args.ReadString()
		if err != nil {
			env.log.Debug("erase_flash_page: bad device class", "error", err)
			return
		}
		deviceClass = &dc
	}

	if code := env.checkTarget(addr, 1, deviceClass); code != FlashSuccess {
		env.replyFlash(out, code)
		return
	}
	env.replyFlash(out, env.programPage(addr, nil, false))
}

// ReadFlash replies length bytes starting at address as a bin value, or nil
// when the range lies outside flash or cannot fit in the reply.
func ReadFlash(env *Env, _ int, args *codec.Reader, out *codec.Writer) {
	addr, err := readAddress(args)
	if err != nil {
		env.log.Debug("read_flash: bad address", "error", err)
		return
	}
	length, err := args.ReadUint()
	if err != nil {
		env.log.Debug("read_flash: bad length", "error", err)
		return
	}

	if !env.Config.Layout.Contains(addr, length) || length > uint64(out.Cap()) {
		env.log.Debug("read_flash: illegal range", "addr", addr, "len", length)
		_ = out.WriteNil()
		return
	}

	buf := make([]byte, length)
	if _, err := env.Flash.ReadAt(buf, addr); err != nil {
		env.log.Error("read_flash: backend read failed", "addr", addr, "error", err)
		_ = out.WriteNil()
		return
	}
	if err := out.WriteBin(buf); err != nil {
		env.log.Debug("read_flash: encoding reply", "error", err)
		_ = out.WriteNil()
	}
}

// CRCRegion replies the CRC-32 (IEEE) of [address, address+length). Missing
// arguments or a range outside flash are replied as negated CRCError* codes.
func CRCRegion(env *Env, argc int, args *codec.Reader, out *codec.Writer) {
	if argc < 1 {
		_ = out.WriteInt(-CRCErrorAddressUnspecified)
		return
	}
	addr, err := readAddress(args)
	if err != nil {
		env.log.Debug("crc_region: bad address", "error", err)
		return
	}

	if argc < 2 {
		_ = out.WriteInt(-CRCErrorLengthUnspecified)
		return
	}
	length, err := args.ReadUint()
	if err != nil {
		env.log.Debug("crc_region: bad length", "error", err)
		return
	}

	if !env.Config.Layout.Contains(addr, length) {
		_ = out.WriteInt(-CRCErrorIllegalAddress)
		return
	}

	crc, err := env.crcRange(addr, uint32(length))
	if err != nil {
		env.log.Error("crc_region: backend read failed", "error", err)
		return
	}
	if err := out.WriteUint(uint64(crc)); err != nil {
		env.log.Debug("crc_region: encoding reply", "error", err)
	}
}

// readAddress decodes a uint that must fit a 32-bit address.
func readAddress(args *codec.Reader) (uint32, error) {
	v, err := args.ReadUint()
	if err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: %#x", errAddressRange, v)
	}
	return uint32(v), nil
}

// checkTarget validates a program or erase of [addr, addr+n), n >= 1. The
// whole page containing addr gets erased, so that page must lie inside the
// application and the range must not cross into the next page. The host's
// device class, when given, must match ours.
func (e *Env) checkTarget(addr uint32, n uint64, deviceClass *string) uint8 {
	layout := e.Config.Layout
	if addr < layout.AppStart {
		e.log.Debug("flash target before application", "addr", addr, "app_start", layout.AppStart)
		return FlashErrorBeforeApp
	}
	if uint64(addr)+n > uint64(layout.AppEnd) {
		e.log.Debug("flash target after application", "addr", addr, "len", n, "app_end", layout.AppEnd)
		return FlashErrorAfterApp
	}
	page := layout.PageBase(addr)
	if page < layout.AppStart {
		e.log.Debug("flash page before application", "page", page, "app_start", layout.AppStart)
		return FlashErrorBeforeApp
	}
	if uint64(page)+uint64(layout.PageSize) > uint64(layout.AppEnd) {
		e.log.Debug("flash page after application", "page", page, "app_end", layout.AppEnd)
		return FlashErrorAfterApp
	}
	if layout.PageBase(addr+uint32(n-1)) != page {
		e.log.Debug("flash target crosses page boundary", "addr", addr, "len", n)
		return FlashErrorUnknownSize
	}
	if deviceClass != nil && *deviceClass != e.Config.DeviceClass {
		e.log.Debug("device class mismatch", "got", *deviceClass, "want", e.Config.DeviceClass)
		return FlashErrorDeviceClass
	}
	return FlashSuccess
}

// programPage runs unlock, erase, optional write, lock. The controller is
// locked again on every path once Unlock has succeeded.
func (e *Env) programPage(addr uint32, data []byte, write bool) (code uint8) {
	if err := e.Flash.Unlock(); err != nil {
		e.log.Error("flash unlock failed", "error", err)
		return FlashErrorUnspecified
	}
	defer func() {
		if err := e.Flash.Lock(); err != nil {
			e.log.Error("flash lock failed", "error", err)
			code = FlashErrorUnspecified
		}
	}()

	if err := e.Flash.ErasePage(addr); err != nil {
		e.log.Error("flash erase failed", "addr", addr, "error", err)
		return FlashErrorUnspecified
	}
	if !write {
		return FlashSuccess
	}
	if err := e.Flash.WritePage(addr, data); err != nil {
		e.log.Error("flash write failed", "addr", addr, "len", len(data), "error", err)
		return FlashErrorUnspecified
	}
	return FlashSuccess
}

// verifyPage reads back data written at addr.
func (e *Env) verifyPage(addr uint32, data []byte) bool {
	got := e.verify[:len(data)]
	if _, err := e.Flash.ReadAt(got, addr); err != nil {
		e.log.Error("flash read-back failed", "addr", addr, "error", err)
		return false
	}
	if !bytes.Equal(got, data) {
		e.log.Error("flash read-back mismatch", "addr", addr, "len", len(data))
		return false
	}
	return true
}

// crcRange reads the range one page at a time.
func (e *Env) crcRange(addr, length uint32) (uint32, error) {
	h := crc32.NewIEEE()
	for length > 0 {
		chunk := e.page
		if uint32(len(chunk)) > length {
			chunk = chunk[:length]
		}
		n, err := e.Flash.ReadAt(chunk, addr)
		if err != nil {
			return 0, err
		}
		h.Write(chunk[:n])
		if n == 0 {
			return 0, fmt.Errorf("short read at %#x", addr)
		}
		addr += uint32(n)
		length -= uint32(n)
	}
	return h.Sum32(), nil
}

func (e *Env) replyFlash(out *codec.Writer, code uint8) {
	e.Status.Set(code)
	if err := out.WriteUint(uint64(code)); err != nil {
		e.log.Debug("encoding flash reply", "error", err)
	}
}
