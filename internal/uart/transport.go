package uart

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/sauron-health/dispenser/internal/models"
)

// Transport defaults.
const (
	DefaultPort    = "/dev/ttyUSB0"
	DefaultBaud    = 115200
	DefaultTimeout = 6 * time.Second
	MinTimeout     = 500 * time.Millisecond

	// TransportName and PowerDomain annotate commands and acks for audit.
	TransportName = "USB_UART"
	PowerDomain   = "EXTERNAL_BATTERY"
)

// Result status tokens for synthesized acknowledgements.
const (
	StatusSimulatedDisabled = "SIMULATED_DISABLED"
	StatusSimulatedOffline  = "SIMULATED_OFFLINE"
	StatusTimeout           = "TIMEOUT"
	StatusUARTError         = "UART_ERROR"
	StatusNoResponse        = "NO_UART_RESPONSE"
)

// Port is the minimal serial device surface the transport needs. The
// go.bug.st/serial Port satisfies it; tests inject fakes.
type Port interface {
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// Opener opens the serial device for one exchange.
type Opener func(portName string, baud int) (Port, error)

func openSerial(portName string, baud int) (Port, error) {
	return serial.Open(portName, &serial.Mode{BaudRate: baud})
}

// Opts holds transport configuration.
type Opts struct {
	Port            string
	Baud            int
	Protocol        string
	Timeout         time.Duration
	SerialEnabled   bool
	OfflineFallback bool
	Open            Opener
}

// Option configures a Transport.
type Option func(*Opts)

// WithPort sets the serial device path.
func WithPort(port string) Option { return func(o *Opts) { o.Port = port } }

// WithBaud sets the serial baud rate.
func WithBaud(baud int) Option { return func(o *Opts) { o.Baud = baud } }

// WithProtocol selects ProtocolFrame or ProtocolJSON.
func WithProtocol(proto string) Option { return func(o *Opts) { o.Protocol = proto } }

// WithTimeout bounds a single write+read exchange. Values below MinTimeout
// are raised to MinTimeout.
func WithTimeout(d time.Duration) Option { return func(o *Opts) { o.Timeout = d } }

// WithSerialEnabled toggles the physical link entirely.
func WithSerialEnabled(enabled bool) Option { return func(o *Opts) { o.SerialEnabled = enabled } }

// WithOfflineFallback controls whether transport failures are absorbed into
// simulated acknowledgements.
func WithOfflineFallback(enabled bool) Option { return func(o *Opts) { o.OfflineFallback = enabled } }

// WithOpener overrides how the serial device is opened (used by tests).
func WithOpener(open Opener) Option { return func(o *Opts) { o.Open = open } }

// Transport exchanges dispense commands with the motor-control board. Each
// exchange is exactly one write and one blocking line read inside the
// configured timeout; every failure mode either degrades to a simulated
// acknowledgement (fallback enabled) or reports a non-ack result. Exchange
// never returns a Go error: the failure taxonomy lives in the result.
type Transport struct {
	opts Opts
}

// NewTransport builds a transport with the given options.
func NewTransport(options ...Option) *Transport {
	opts := Opts{
		Port:            DefaultPort,
		Baud:            DefaultBaud,
		Protocol:        ProtocolJSON,
		Timeout:         DefaultTimeout,
		SerialEnabled:   true,
		OfflineFallback: true,
		Open:            openSerial,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Timeout < MinTimeout {
		opts.Timeout = MinTimeout
	}
	proto := strings.ToLower(strings.TrimSpace(opts.Protocol))
	if proto != ProtocolFrame {
		proto = ProtocolJSON
	}
	opts.Protocol = proto
	slog.Debug("uart.NewTransport", "port", opts.Port, "baud", opts.Baud, "protocol", opts.Protocol,
		"timeout", opts.Timeout, "serial_enabled", opts.SerialEnabled, "offline_fallback", opts.OfflineFallback)
	return &Transport{opts: opts}
}

// Port reports the configured device path.
func (t *Transport) Port() string { return t.opts.Port }

// Baud reports the configured baud rate.
func (t *Transport) Baud() int { return t.opts.Baud }

// Protocol reports the selected wire protocol.
func (t *Transport) Protocol() string { return t.opts.Protocol }

// SerialEnabled reports whether the physical link is enabled.
func (t *Transport) SerialEnabled() bool { return t.opts.SerialEnabled }

// OfflineFallback reports whether degraded acknowledgements are synthesized.
func (t *Transport) OfflineFallback() bool { return t.opts.OfflineFallback }

// base pre-fills the result with command and transport annotations.
func (t *Transport) base(cmd models.UARTCommand) models.UARTResult {
	return models.UARTResult{
		RequestID:     cmd.RequestID,
		Status:        "UNKNOWN",
		Protocol:      t.opts.Protocol,
		ChannelCounts: cmd.ChannelCounts,
		FrameFormat:   cmd.FrameFormat,
		FrameHex:      cmd.FrameHex,
		Transport:     TransportName,
		Port:          t.opts.Port,
		Baud:          t.opts.Baud,
		PowerDomain:   PowerDomain,
	}
}

// Exchange sends one dispense command and waits for one acknowledgement
// line. On any failure with the fallback policy enabled, the result is a
// simulated, degraded acknowledgement carrying the failure's diagnostic
// message.
func (t *Transport) Exchange(cmd models.UARTCommand) models.UARTResult {
	result := t.base(cmd)

	if !t.opts.SerialEnabled {
		result.Ack = true
		result.Status = StatusSimulatedDisabled
		result.Degraded = true
		result.Message = "UART serial transport disabled by configuration"
		slog.Debug("Transport.Exchange: serial disabled, simulating ack", "request_id", cmd.RequestID)
		return result
	}

	ack, raw, err := t.exchangeSerial(cmd)
	if err != nil {
		slog.Warn("Transport.Exchange: serial exchange failed", "error", err, "request_id", cmd.RequestID, "port", t.opts.Port)
		return t.degradeOrFail(result, err.Error())
	}
	if !ack.OK {
		msg := ack.Status
		if msg == "" {
			msg = fmt.Sprintf("no ACK within %s", t.opts.Timeout)
		}
		slog.Warn("Transport.Exchange: hardware did not acknowledge", "status", ack.Status, "request_id", cmd.RequestID)
		return t.degradeOrFail(result, msg)
	}

	result.Ack = true
	result.Status = ack.Status
	if result.Status == "" {
		result.Status = "ACK"
	}
	result.RawAck = raw
	result.HardwareOnline = true
	result.AckPayload = ack.Payload
	result.AckCounts = ack.Counts
	slog.Debug("Transport.Exchange: acknowledged", "status", result.Status, "request_id", cmd.RequestID)
	return result
}

// degradeOrFail applies the fallback policy to a failed exchange.
func (t *Transport) degradeOrFail(result models.UARTResult, diagnostic string) models.UARTResult {
	if t.opts.OfflineFallback {
		result.Ack = true
		result.Status = StatusSimulatedOffline
		result.Degraded = true
		result.HardwareOnline = false
		if diagnostic == "" {
			diagnostic = "UART ACK timeout/error; simulated dispense used."
		}
		result.Message = diagnostic
		return result
	}
	result.Ack = false
	result.Status = StatusUARTError
	result.Message = diagnostic
	return result
}

// exchangeSerial performs the single write + blocking read against the
// device. Returned errors describe the transport failure; a zero Ack with a
// nil error means the read produced an empty line (timeout).
func (t *Transport) exchangeSerial(cmd models.UARTCommand) (Ack, string, error) {
	port, err := t.opts.Open(t.opts.Port, t.opts.Baud)
	if err != nil {
		return Ack{}, "", fmt.Errorf("failed to open serial port %s: %w", t.opts.Port, err)
	}
	defer port.Close()

	if err := port.SetReadTimeout(t.opts.Timeout); err != nil {
		return Ack{}, "", fmt.Errorf("failed to set read timeout: %w", err)
	}
	// Drop delayed responses from an earlier command.
	if err := port.ResetInputBuffer(); err != nil {
		slog.Debug("Transport.exchangeSerial: reset input buffer failed", "error", err)
	}

	var payload []byte
	if t.opts.Protocol == ProtocolFrame {
		if len(cmd.FrameBytes) != FrameSize {
			return Ack{}, "", fmt.Errorf("missing frame bytes for UART frame protocol")
		}
		payload = cmd.FrameBytes
	} else {
		payload, err = EncodeJSONLine(cmd.ChannelCounts)
		if err != nil {
			return Ack{}, "", err
		}
	}
	if _, err := port.Write(payload); err != nil {
		return Ack{}, "", fmt.Errorf("serial write failed: %w", err)
	}

	raw, err := readLine(port, t.opts.Timeout)
	if err != nil {
		return Ack{}, "", fmt.Errorf("serial read failed: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return Ack{Status: fmt.Sprintf("no ACK within %s", t.opts.Timeout)}, raw, nil
	}
	return DecodeAck(raw), strings.TrimSpace(raw), nil
}

// readLine reads bytes until a newline, an EOF-style zero read, or the
// deadline passes. The port's own read timeout bounds each Read call; the
// wall-clock deadline bounds the whole line.
func readLine(port Port, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if time.Now().After(deadline) {
			return sb.String(), nil
		}
		n, err := port.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			// go.bug.st/serial reports a read timeout as a zero-length read.
			return sb.String(), nil
		}
		if buf[0] == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(buf[0])
	}
}
