package command

import (
	"log/slog"

	"github.com/kabili207/flashboot/core/config"
	"github.com/kabili207/flashboot/core/flash"
)

// StatusNone is the status register value before any command recorded one.
const StatusNone = 0

// Status is the single-byte status register: the outcome of the last command
// that recorded one.
type Status struct {
	code uint8
}

// Set records code.
func (s *Status) Set(code uint8) {
	s.code = code
}

// Get returns the recorded code.
func (s *Status) Get() uint8 {
	return s.code
}

// Launcher transfers control to the resident application. On hardware Launch
// does not return.
type Launcher interface {
	Launch()
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func()

func (f LauncherFunc) Launch() { f() }

// EnvConfig configures an Env.
type EnvConfig struct {
	// Config is the in-RAM bootloader configuration. Required.
	Config *config.Config
	// Flash is the flash controller. Required.
	Flash flash.Backend
	// Store persists Config for config_write_to_flash. If nil the command
	// replies false.
	Store config.Store
	// Launcher runs the application. If nil jump_to_application only logs.
	Launcher Launcher
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Env is the state shared by every handler invocation: configuration,
// hardware, the status register and the page scratch buffers. Execution is
// single-threaded; an Env must not be used by two Execute calls at once.
type Env struct {
	Config   *config.Config
	Flash    flash.Backend
	Store    config.Store
	Launcher Launcher
	Status   Status

	log    *slog.Logger
	page   []byte
	verify []byte
}

// NewEnv creates an Env whose scratch buffers match the configured page
// size.
func NewEnv(cfg EnvConfig) *Env {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.Config.Layout.PageSize
	if pageSize <= 0 {
		pageSize = flash.DefaultPageSize
	}
	return &Env{
		Config:   cfg.Config,
		Flash:    cfg.Flash,
		Store:    cfg.Store,
		Launcher: cfg.Launcher,
		Status:   Status{code: StatusNone},
		log:      logger.WithGroup("command"),
		page:     make([]byte, pageSize),
		verify:   make([]byte, pageSize),
	}
}
