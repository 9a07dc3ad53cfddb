package uart

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sauron-health/dispenser/internal/models"
)

// fakePort is an in-memory serial device. Response bytes are served one at a
// time the way a real UART read loop sees them.
type fakePort struct {
	response []byte
	pos      int

	written  []byte
	readErr  error
	writeErr error
	closed   bool
}

func (p *fakePort) SetReadTimeout(t time.Duration) error { return nil }
func (p *fakePort) ResetInputBuffer() error              { return nil }

func (p *fakePort) Read(buf []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.pos >= len(p.response) {
		// Timeout: go.bug.st/serial reports it as a zero-length read.
		return 0, nil
	}
	buf[0] = p.response[p.pos]
	p.pos++
	return 1, nil
}

func (p *fakePort) Write(data []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, data...)
	return len(data), nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func newFakeTransport(port *fakePort, extra ...Option) *Transport {
	opts := []Option{
		WithOpener(func(string, int) (Port, error) { return port, nil }),
		WithTimeout(time.Second),
	}
	return NewTransport(append(opts, extra...)...)
}

func testCommand() models.UARTCommand {
	return models.UARTCommand{
		Cmd:           "DISPENSE",
		RequestID:     "disp-test",
		UserID:        "alice-20250101000000",
		ChannelCounts: [4]int{2, 0, 0, 0},
	}
}

func TestExchangeSerialDisabledSimulatesAck(t *testing.T) {
	tr := NewTransport(WithSerialEnabled(false))

	result := tr.Exchange(testCommand())

	if !result.Ack {
		t.Fatal("disabled transport must still acknowledge")
	}
	if result.Status != StatusSimulatedDisabled {
		t.Errorf("status = %q, want %q", result.Status, StatusSimulatedDisabled)
	}
	if !result.Degraded || result.HardwareOnline {
		t.Errorf("expected degraded offline ack, got degraded=%v online=%v", result.Degraded, result.HardwareOnline)
	}
	if result.Message == "" {
		t.Error("simulated ack must carry a diagnostic message")
	}
}

func TestExchangeJSONAck(t *testing.T) {
	port := &fakePort{response: []byte(`{"status":"DISPENSED","counts":[2,0,0,0]}` + "\n")}
	tr := newFakeTransport(port)

	result := tr.Exchange(testCommand())

	if !result.Ack || result.Degraded {
		t.Fatalf("expected clean ack, got ack=%v degraded=%v", result.Ack, result.Degraded)
	}
	if result.Status != "DISPENSED" {
		t.Errorf("status = %q, want DISPENSED", result.Status)
	}
	if !result.HardwareOnline {
		t.Error("acknowledged exchange must report hardware online")
	}
	if !strings.Contains(string(port.written), `"pill1":2`) {
		t.Errorf("legacy JSON command not written: %s", port.written)
	}
	if !port.closed {
		t.Error("port must be closed after the exchange")
	}
}

func TestExchangeFrameProtocolWritesFrameBytes(t *testing.T) {
	port := &fakePort{response: []byte("OK\n")}
	tr := newFakeTransport(port, WithProtocol(ProtocolFrame))

	cmd := testCommand()
	cmd.FrameBytes = EncodeFrame(cmd.ChannelCounts)
	cmd.FrameFormat = FrameFormat

	result := tr.Exchange(cmd)

	if !result.Ack {
		t.Fatalf("expected ack, got %+v", result)
	}
	if len(port.written) != FrameSize {
		t.Fatalf("expected %d frame bytes on the wire, got %d", FrameSize, len(port.written))
	}
	if port.written[0] != FrameStart || port.written[FrameSize-1] != FrameEnd {
		t.Errorf("frame sentinels missing from written bytes: % X", port.written)
	}
}

func TestExchangeFrameProtocolMissingBytesDegrades(t *testing.T) {
	port := &fakePort{response: []byte("OK\n")}
	tr := newFakeTransport(port, WithProtocol(ProtocolFrame))

	result := tr.Exchange(testCommand()) // no FrameBytes

	if !result.Ack || !result.Degraded {
		t.Fatalf("expected degraded fallback ack, got ack=%v degraded=%v", result.Ack, result.Degraded)
	}
	if result.Status != StatusSimulatedOffline {
		t.Errorf("status = %q, want %q", result.Status, StatusSimulatedOffline)
	}
}

func TestExchangeTimeoutWithFallback(t *testing.T) {
	port := &fakePort{} // no response bytes: every read is a timeout
	tr := newFakeTransport(port)

	result := tr.Exchange(testCommand())

	if !result.Ack {
		t.Fatal("fallback must absorb the timeout into a simulated ack")
	}
	if result.Status != StatusSimulatedOffline {
		t.Errorf("status = %q, want %q", result.Status, StatusSimulatedOffline)
	}
	if !result.Degraded || result.HardwareOnline {
		t.Errorf("expected degraded offline ack, got degraded=%v online=%v", result.Degraded, result.HardwareOnline)
	}
	if result.Message == "" {
		t.Error("degraded ack must carry the failure diagnostic")
	}
}

func TestExchangeTimeoutWithoutFallback(t *testing.T) {
	port := &fakePort{}
	tr := newFakeTransport(port, WithOfflineFallback(false))

	result := tr.Exchange(testCommand())

	if result.Ack {
		t.Fatal("without fallback a timeout must not acknowledge")
	}
	if result.Status != StatusUARTError {
		t.Errorf("status = %q, want %q", result.Status, StatusUARTError)
	}
}

func TestExchangeOpenFailure(t *testing.T) {
	tr := NewTransport(
		WithOpener(func(string, int) (Port, error) { return nil, errors.New("no such device") }),
		WithOfflineFallback(false),
	)

	result := tr.Exchange(testCommand())

	if result.Ack {
		t.Fatal("open failure without fallback must not acknowledge")
	}
	if !strings.Contains(result.Message, "no such device") {
		t.Errorf("diagnostic lost: %q", result.Message)
	}
}

func TestExchangeWriteFailureDegrades(t *testing.T) {
	port := &fakePort{writeErr: errors.New("device unplugged")}
	tr := newFakeTransport(port)

	result := tr.Exchange(testCommand())

	if !result.Ack || !result.Degraded {
		t.Fatalf("expected degraded ack, got ack=%v degraded=%v", result.Ack, result.Degraded)
	}
	if !strings.Contains(result.Message, "device unplugged") {
		t.Errorf("diagnostic lost: %q", result.Message)
	}
	if !port.closed {
		t.Error("port must be closed even on write failure")
	}
}

func TestNewTransportNormalizesOptions(t *testing.T) {
	tr := NewTransport(WithProtocol("FRAME "), WithTimeout(time.Millisecond))

	if tr.Protocol() != ProtocolFrame {
		t.Errorf("protocol = %q, want %q", tr.Protocol(), ProtocolFrame)
	}
	if tr.opts.Timeout != MinTimeout {
		t.Errorf("timeout = %v, want raised to %v", tr.opts.Timeout, MinTimeout)
	}

	tr = NewTransport(WithProtocol("bogus"))
	if tr.Protocol() != ProtocolJSON {
		t.Errorf("unknown protocol should fall back to %q, got %q", ProtocolJSON, tr.Protocol())
	}
}
