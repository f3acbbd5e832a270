package command

import (
	"github.com/kabili207/flashboot/core/codec"
)

// Ping replies true.
func Ping(env *Env, _ int, _ *codec.Reader, out *codec.Writer) {
	if err := out.WriteBool(true); err != nil {
		env.log.Debug("ping: encoding reply", "error", err)
	}
}

// GetStatus replies the status register.
func GetStatus(env *Env, _ int, _ *codec.Reader, out *codec.Writer) {
	if err := out.WriteUint(uint64(env.Status.Get())); err != nil {
		env.log.Debug("get_status: encoding reply", "error", err)
	}
}

// JumpToApplication hands control to the application. It decodes and encodes
// nothing. On hardware the launcher does not return, so anything after it in
// the invocation is unreachable.
func JumpToApplication(env *Env, _ int, _ *codec.Reader, _ *codec.Writer) {
	if env.Launcher == nil {
		env.log.Warn("jump_to_application: no launcher configured")
		return
	}
	env.log.Info("jumping to application", "entry", env.Config.Layout.AppStart)
	env.Launcher.Launch()
}

// ConfigUpdate applies a map of key/value pairs to the in-RAM config. It
// replies nothing.
func ConfigUpdate(env *Env, argc int, args *codec.Reader, _ *codec.Writer) {
	if argc < 1 {
		return
	}
	if err := env.Config.Update(args); err != nil {
		env.log.Debug("config_update: stopped", "error", err)
	}
}

// ConfigWriteToFlash persists the in-RAM config and replies whether it
// succeeded.
func ConfigWriteToFlash(env *Env, _ int, _ *codec.Reader, out *codec.Writer) {
	ok := false
	if env.Store == nil {
		env.log.Warn("config_write_to_flash: no store configured")
	} else if err := env.Store.Save(env.Config); err != nil {
		env.log.Error("config_write_to_flash: save failed", "error", err)
	} else {
		ok = true
	}

	code := uint8(FlashErrorUnspecified)
	if ok {
		code = FlashSuccess
	}
	env.Status.Set(code)

	if err := out.WriteBool(ok); err != nil {
		env.log.Debug("config_write_to_flash: encoding reply", "error", err)
	}
}

// ConfigRead replies the config as a map. A map that does not fit in the
// reply buffer is dropped entirely.
func ConfigRead(env *Env, _ int, _ *codec.Reader, out *codec.Writer) {
	mark := out.Len()
	if err := env.Config.WriteMap(out); err != nil {
		out.Truncate(mark)
		env.log.Debug("config_read: encoding reply", "error", err)
	}
}
