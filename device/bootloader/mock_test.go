package bootloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/kabili207/flashboot/core/command"
	"github.com/kabili207/flashboot/core/config"
	"github.com/kabili207/flashboot/core/flash"
	"github.com/kabili207/flashboot/transport"
)

// mockTransport records sent datagrams. When peer is set, sent datagrams are
// delivered synchronously to the peer's handler.
type mockTransport struct {
	mu        sync.Mutex
	connected bool
	source    transport.DatagramSource
	handler   transport.DatagramHandler
	sent      [][]byte
	sendErr   error
	peer      *mockTransport
}

var _ transport.Transport = (*mockTransport)(nil)

func newMockTransport(source transport.DatagramSource) *mockTransport {
	return &mockTransport{connected: true, source: source}
}

// loopback returns a host-side and a device-side transport wired together.
func loopback() (host, device *mockTransport) {
	host = newMockTransport(transport.SourceLocal)
	device = newMockTransport(transport.SourceLocal)
	host.peer = device
	device.peer = host
	return host, device
}

func (m *mockTransport) Start(context.Context) error { return nil }
func (m *mockTransport) Stop() error                 { return nil }

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) SetDatagramHandler(fn transport.DatagramHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *mockTransport) SetStateHandler(transport.StateHandler) {}

func (m *mockTransport) SendDatagram(data []byte) error {
	m.mu.Lock()
	if m.sendErr != nil {
		m.mu.Unlock()
		return m.sendErr
	}
	m.sent = append(m.sent, append([]byte(nil), data...))
	peer := m.peer
	m.mu.Unlock()

	if peer != nil {
		peer.deliver(data)
	}
	return nil
}

func (m *mockTransport) deliver(data []byte) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(data, m.source)
	}
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server   *Server
	env      *command.Env
	mem      *flash.Memory
	launched int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := flash.DefaultLayout()
	mem := flash.NewMemory(layout)
	cfg := config.Default()
	cfg.DeviceClass = "sim"

	f := &fixture{mem: mem}
	f.env = command.NewEnv(command.EnvConfig{
		Config:   cfg,
		Flash:    mem,
		Store:    &config.FileStore{Path: t.TempDir() + "/config.bin"},
		Launcher: command.LauncherFunc(func() { f.launched++ }),
		Logger:   quietLogger(),
	})
	f.server = NewServer(Config{Env: f.env, Logger: quietLogger()})
	return f
}

var errBoom = errors.New("boom")
