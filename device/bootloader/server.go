// Package bootloader provides the bootloader run loop.
//
// A Server receives datagram envelopes from one or more transports, checks
// the command set version carried by the envelope, runs the command through
// the dispatcher and sends the reply back over the transport the request
// arrived on. Commands execute one at a time whatever the number of
// transports.
//
// The jump command ends the loop: the server sends no reply, stops accepting
// datagrams and only then runs the application launcher.
package bootloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kabili207/flashboot/core/codec"
	"github.com/kabili207/flashboot/core/command"
	"github.com/kabili207/flashboot/transport"
)

// ErrStopped is returned for datagrams received after the server stopped.
var ErrStopped = errors.New("bootloader stopped")

// DefaultReplySize bounds a command reply so that the reply envelope fits one
// serial frame.
const DefaultReplySize = codec.MaxFramePayload - codec.EnvelopeHeaderSize

// Config configures a Server.
type Config struct {
	// Table is the command table. Defaults to command.DefaultTable().
	Table *command.Table

	// Env is the handler environment. Required. The server takes over
	// Env.Launcher so that the jump runs after the loop has stopped; the
	// original launcher is called in its place.
	Env *command.Env

	// ReplySize is the reply buffer capacity. Default: DefaultReplySize.
	ReplySize int

	// Logger for server events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Server is the bootloader run loop.
type Server struct {
	cfg      Config
	log      *slog.Logger
	counters Counters

	// mu serializes command execution.
	mu          sync.Mutex
	out         []byte
	app         command.Launcher
	jumpPending bool
	stopped     bool
	done        chan struct{}
	stopOnce    sync.Once

	tmu        sync.RWMutex
	transports []transportEntry
}

type transportEntry struct {
	transport transport.Transport
	source    transport.DatagramSource
}

// NewServer creates a server with the given configuration.
func NewServer(cfg Config) *Server {
	if cfg.Table == nil {
		cfg.Table = command.DefaultTable()
	}
	if cfg.ReplySize <= 0 {
		cfg.ReplySize = DefaultReplySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:  cfg,
		log:  logger.WithGroup("bootloader"),
		out:  make([]byte, codec.EnvelopeHeaderSize+cfg.ReplySize),
		app:  cfg.Env.Launcher,
		done: make(chan struct{}),
	}
	cfg.Env.Launcher = command.LauncherFunc(func() { s.jumpPending = true })
	return s
}

// Counters returns the server's statistics.
func (s *Server) Counters() *Counters {
	return &s.counters
}

// Done is closed once the server has stopped, either through Stop or after
// the jump command.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Start blocks until the context is cancelled or the server stops. It
// returns nil when the server stopped on its own. Typically called after the
// transports have been added and started:
//
//	err := server.Start(ctx)
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("bootloader ready",
		"command_set", s.cfg.Table.Version(),
		"commands", s.cfg.Table.Len())

	select {
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Stop makes the server drop every further datagram.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	s.stopped = true
	s.stopOnce.Do(func() { close(s.done) })
}

// AddTransport registers a transport with the server. The server installs
// itself as the transport's datagram handler so that requests are executed
// and replies go back over the same transport.
func (s *Server) AddTransport(t transport.Transport, source transport.DatagramSource) {
	s.tmu.Lock()
	s.transports = append(s.transports, transportEntry{transport: t, source: source})
	s.tmu.Unlock()

	t.SetDatagramHandler(s.HandleDatagram)
}

// HandleDatagram executes one request and sends the reply, if any, to the
// transport registered for source.
func (s *Server) HandleDatagram(data []byte, source transport.DatagramSource) {
	reply, err := s.Handle(data)
	if err != nil && !errors.Is(err, ErrStopped) {
		s.log.Debug("request failed", "source", source, "code", command.ErrorCode(err), "error", err)
	}
	if reply == nil {
		return
	}
	s.send(reply, source)
}

// Handle executes one request envelope and returns the reply envelope. The
// reply is nil when nothing must be sent: after the jump command, for an
// empty envelope, or once the server has stopped. Dispatcher failures return
// the error together with a reply carrying no payload.
func (s *Server) Handle(envelope []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.counters.Dropped.Add(1)
		return nil, ErrStopped
	}
	s.counters.DatagramsRecv.Add(1)

	version, payload, err := codec.DecodeDatagram(envelope)
	if err != nil {
		s.counters.Dropped.Add(1)
		return nil, err
	}

	s.out[0] = s.cfg.Table.Version()
	body := s.out[codec.EnvelopeHeaderSize:]

	if version != s.cfg.Table.Version() {
		s.counters.VersionMismatch.Add(1)
		return s.reply(0), fmt.Errorf("%w: got %d, want %d",
			command.ErrInvalidCommandSetVersion, version, s.cfg.Table.Version())
	}

	n, err := command.Execute(payload, s.cfg.Table, s.cfg.Env, body)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrInvalidCommand):
			s.counters.InvalidCommand.Add(1)
		case errors.Is(err, command.ErrCommandNotFound):
			s.counters.NotFound.Add(1)
		}
		return s.reply(0), err
	}
	s.counters.Executed.Add(1)

	if s.jumpPending {
		s.jumpPending = false
		s.stopLocked()
		s.log.Info("handing control to application")
		if s.app != nil {
			s.app.Launch()
		}
		return nil, nil
	}

	return s.reply(n), nil
}

// reply copies the envelope out of the shared buffer.
func (s *Server) reply(n int) []byte {
	out := make([]byte, codec.EnvelopeHeaderSize+n)
	copy(out, s.out)
	return out
}

func (s *Server) send(reply []byte, source transport.DatagramSource) {
	s.tmu.RLock()
	entries := make([]transportEntry, len(s.transports))
	copy(entries, s.transports)
	s.tmu.RUnlock()

	for _, entry := range entries {
		if entry.source != source {
			continue
		}
		if !entry.transport.IsConnected() {
			continue
		}
		if err := entry.transport.SendDatagram(reply); err != nil {
			s.counters.SendErrors.Add(1)
			s.log.Warn("failed to send reply", "transport", source, "error", err)
			continue
		}
		s.counters.RepliesSent.Add(1)
		return
	}
}
