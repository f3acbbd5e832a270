package command

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/kabili207/flashboot/core/codec"
	"github.com/kabili207/flashboot/core/config"
	"github.com/kabili207/flashboot/core/flash"
)

// recordingFlash wraps a Memory and records every controller operation.
type recordingFlash struct {
	*flash.Memory
	calls []string

	failErase error
	failWrite error
	corrupt   bool // flip the first byte of every read
}

func newRecordingFlash() *recordingFlash {
	return &recordingFlash{Memory: flash.NewMemory(flash.DefaultLayout())}
}

func (r *recordingFlash) Unlock() error {
	r.calls = append(r.calls, "unlock")
	return r.Memory.Unlock()
}

func (r *recordingFlash) Lock() error {
	r.calls = append(r.calls, "lock")
	return r.Memory.Lock()
}

func (r *recordingFlash) ErasePage(addr uint32) error {
	r.calls = append(r.calls, fmt.Sprintf("erase %#x", addr))
	if r.failErase != nil {
		return r.failErase
	}
	return r.Memory.ErasePage(addr)
}

func (r *recordingFlash) WritePage(addr uint32, data []byte) error {
	r.calls = append(r.calls, fmt.Sprintf("write %#x %d", addr, len(data)))
	if r.failWrite != nil {
		return r.failWrite
	}
	return r.Memory.WritePage(addr, data)
}

func (r *recordingFlash) ReadAt(p []byte, addr uint32) (int, error) {
	n, err := r.Memory.ReadAt(p, addr)
	if r.corrupt && n > 0 {
		p[0] ^= 0xFF
	}
	return n, err
}

type testHarness struct {
	env   *Env
	flash *recordingFlash
	table *Table
	out   []byte
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	fl := newRecordingFlash()
	cfg := config.Default()
	cfg.DeviceClass = "test-board"
	env := NewEnv(EnvConfig{
		Config: cfg,
		Flash:  fl,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &testHarness{
		env:   env,
		flash: fl,
		table: DefaultTable(),
		out:   make([]byte, codec.MaxFramePayload),
	}
}

// exec runs req and returns the reply bytes.
func (h *testHarness) exec(t *testing.T, req []byte) []byte {
	t.Helper()
	n, err := Execute(req, h.table, h.env, h.out)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	return h.out[:n]
}

// seed writes data into flash without recording.
func (h *testHarness) seed(t *testing.T, addr uint32, data []byte) {
	t.Helper()
	m := h.flash.Memory
	_ = m.Unlock()
	defer m.Lock()
	if err := m.WritePage(addr, data); err != nil {
		t.Fatal(err)
	}
}

func mustBuild(t *testing.T) func([]byte, error) []byte {
	return func(b []byte, err error) []byte {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("flash calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("flash calls = %v, want %v", got, want)
		}
	}
}
