package bootloader

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/flashboot/core/codec"
	"github.com/kabili207/flashboot/core/command"
	"github.com/kabili207/flashboot/transport"
)

func envelope(payload []byte) []byte {
	return codec.EncodeDatagram(command.CommandSetVersion, payload)
}

func TestHandlePing(t *testing.T) {
	f := newFixture(t)
	reply, err := f.server.Handle(envelope(command.BuildPing()))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !bytes.Equal(reply, []byte{command.CommandSetVersion, 0xc3}) {
		t.Errorf("reply = %x", reply)
	}

	snap := f.server.Counters().Snapshot()
	if snap.DatagramsRecv != 1 || snap.Executed != 1 {
		t.Errorf("counters = %+v", snap)
	}
}

func TestHandleErrors(t *testing.T) {
	tests := []struct {
		name     string
		envelope []byte
		wantErr  error
		wantCode int
	}{
		{
			name:     "version mismatch",
			envelope: codec.EncodeDatagram(command.CommandSetVersion-1, command.BuildPing()),
			wantErr:  command.ErrInvalidCommandSetVersion,
			wantCode: command.CodeInvalidCommandSetVersion,
		},
		{
			name:     "unknown command",
			envelope: envelope([]byte{0xcc, 0xff}),
			wantErr:  command.ErrCommandNotFound,
			wantCode: command.CodeCommandNotFound,
		},
		{
			name:     "invalid command",
			envelope: envelope([]byte{0xa1, 'x'}),
			wantErr:  command.ErrInvalidCommand,
			wantCode: command.CodeInvalidCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			reply, err := f.server.Handle(tt.envelope)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if code := command.ErrorCode(err); code != tt.wantCode {
				t.Errorf("ErrorCode() = %d, want %d", code, tt.wantCode)
			}
			if !bytes.Equal(reply, []byte{command.CommandSetVersion}) {
				t.Errorf("reply = %x, want bare envelope %x", reply, []byte{command.CommandSetVersion})
			}

			version, payload, perr := ParseReply(reply)
			if perr != nil {
				t.Fatalf("ParseReply error = %v", perr)
			}
			if version != command.CommandSetVersion || len(payload) != 0 {
				t.Errorf("ParseReply = %d, %x, want %d and no payload", version, payload, command.CommandSetVersion)
			}
		})
	}
}

func TestHandleCounters(t *testing.T) {
	f := newFixture(t)
	f.server.Handle(envelope(command.BuildPing()))
	f.server.Handle(envelope([]byte{0xFF}))
	f.server.Handle(envelope([]byte{0xc0}))
	f.server.Handle(codec.EncodeDatagram(9, command.BuildPing()))
	f.server.Handle(nil)

	snap := f.server.Counters().Snapshot()
	want := CountersSnapshot{
		DatagramsRecv:   5,
		Executed:        1,
		InvalidCommand:  1,
		NotFound:        1,
		VersionMismatch: 1,
		Dropped:         1,
	}
	if snap != want {
		t.Errorf("counters = %+v, want %+v", snap, want)
	}

	f.server.Counters().Reset()
	if snap := f.server.Counters().Snapshot(); snap != (CountersSnapshot{}) {
		t.Errorf("counters after reset = %+v", snap)
	}
}

func TestHandleEmptyEnvelope(t *testing.T) {
	f := newFixture(t)
	reply, err := f.server.Handle(nil)
	if !errors.Is(err, codec.ErrEmptyEnvelope) {
		t.Errorf("error = %v, want %v", err, codec.ErrEmptyEnvelope)
	}
	if reply != nil {
		t.Errorf("reply = %x, want nil", reply)
	}
}

func TestHandleCommandWithoutReply(t *testing.T) {
	f := newFixture(t)
	req, err := command.BuildConfigUpdate(map[string]any{"name": "x"})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := f.server.Handle(envelope(req))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, []byte{command.CommandSetVersion}) {
		t.Errorf("reply = %x, want bare envelope", reply)
	}
	if f.env.Config.BoardName != "x" {
		t.Errorf("name = %q", f.env.Config.BoardName)
	}
}

func TestJumpStopsServer(t *testing.T) {
	f := newFixture(t)

	reply, err := f.server.Handle(envelope(command.BuildJumpToApplication()))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply != nil {
		t.Errorf("jump replied %x", reply)
	}
	if f.launched != 1 {
		t.Errorf("launcher called %d times, want 1", f.launched)
	}

	select {
	case <-f.server.Done():
	default:
		t.Fatal("server not stopped after jump")
	}

	reply, err = f.server.Handle(envelope(command.BuildPing()))
	if !errors.Is(err, ErrStopped) || reply != nil {
		t.Errorf("after jump: reply = %x, err = %v", reply, err)
	}
	if f.server.Counters().Dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", f.server.Counters().Dropped.Load())
	}
}

func TestStartReturnsAfterJump(t *testing.T) {
	f := newFixture(t)
	errc := make(chan error, 1)
	go func() { errc <- f.server.Start(context.Background()) }()

	f.server.Handle(envelope(command.BuildJumpToApplication()))

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Start() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after jump")
	}
}

func TestStartCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.server.Start(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if _, err := f.server.Handle(envelope(command.BuildPing())); !errors.Is(err, ErrStopped) {
		t.Errorf("Handle after cancel error = %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	f := newFixture(t)
	f.server.Stop()
	f.server.Stop()
	<-f.server.Done()
}

func TestHandleDatagramRepliesOnSource(t *testing.T) {
	f := newFixture(t)
	serialT := newMockTransport(transport.SourceSerial)
	mqttT := newMockTransport(transport.SourceMQTT)
	f.server.AddTransport(serialT, transport.SourceSerial)
	f.server.AddTransport(mqttT, transport.SourceMQTT)

	mqttT.deliver(envelope(command.BuildPing()))

	if mqttT.sentCount() != 1 {
		t.Errorf("mqtt sent %d replies, want 1", mqttT.sentCount())
	}
	if serialT.sentCount() != 0 {
		t.Errorf("serial sent %d replies, want 0", serialT.sentCount())
	}
	if got := f.server.Counters().RepliesSent.Load(); got != 1 {
		t.Errorf("replies sent = %d, want 1", got)
	}
}

func TestHandleDatagramTransportProblems(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		f := newFixture(t)
		tr := newMockTransport(transport.SourceSerial)
		tr.connected = false
		f.server.AddTransport(tr, transport.SourceSerial)

		tr.deliver(envelope(command.BuildPing()))
		if tr.sentCount() != 0 {
			t.Error("reply sent on a disconnected transport")
		}
	})

	t.Run("send fails", func(t *testing.T) {
		f := newFixture(t)
		tr := newMockTransport(transport.SourceSerial)
		tr.sendErr = errBoom
		f.server.AddTransport(tr, transport.SourceSerial)

		tr.deliver(envelope(command.BuildPing()))
		if got := f.server.Counters().SendErrors.Load(); got != 1 {
			t.Errorf("send errors = %d, want 1", got)
		}
	})
}

func TestHandleSerializesExecution(t *testing.T) {
	f := newFixture(t)
	const workers, each = 8, 25

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				reply, err := f.server.Handle(envelope(command.BuildPing()))
				if err != nil || !bytes.Equal(reply, []byte{command.CommandSetVersion, 0xc3}) {
					t.Errorf("reply = %x, err = %v", reply, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := f.server.Counters().Executed.Load(); got != workers*each {
		t.Errorf("executed = %d, want %d", got, workers*each)
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name        string
		envelope    []byte
		wantPayload []byte
		wantErr     error
	}{
		{"empty", nil, nil, codec.ErrEmptyEnvelope},
		{"bare", []byte{3}, []byte{}, nil},
		{"bool", []byte{3, 0xc3}, []byte{0xc3}, nil},
		{"negative crc code is not an error reply", []byte{3, 0xfd}, []byte{0xfd}, nil},
		{"array", []byte{3, 0x91, 0xfe}, []byte{0x91, 0xfe}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, payload, err := ParseReply(tt.envelope)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if !bytes.Equal(payload, tt.wantPayload) {
				t.Errorf("payload = %x, want %x", payload, tt.wantPayload)
			}
		})
	}
}
