// Package uart implements the SAURON_UART_V1 wire protocol and the serial
// transport to the motor-control board.
package uart

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SAURON_UART_V1 frame layout (8 bytes):
//
//	[0] 0xAA start
//	[1] 0x01 version
//	[2] ch1 count
//	[3] ch2 count
//	[4] ch3 count
//	[5] ch4 count
//	[6] checksum = sum(bytes[1..5]) & 0xFF
//	[7] 0x55 end
const (
	FrameStart   = 0xAA
	FrameVersion = 0x01
	FrameEnd     = 0x55
	FrameSize    = 8

	// FrameFormat is the protocol identifier carried on commands and acks.
	FrameFormat = "SAURON_UART_V1"

	// MaxChannelCount is the largest per-channel count a frame can carry.
	MaxChannelCount = 20
)

// Wire protocol selection, configured at startup.
const (
	// ProtocolFrame sends binary SAURON_UART_V1 frames.
	ProtocolFrame = "frame"
	// ProtocolJSON sends the legacy newline-delimited JSON form.
	ProtocolJSON = "json"
)

// Frame decode errors.
var (
	ErrFrameSize     = errors.New("frame must be exactly 8 bytes")
	ErrFrameStart    = errors.New("frame start byte mismatch")
	ErrFrameEnd      = errors.New("frame end byte mismatch")
	ErrFrameVersion  = errors.New("unsupported frame version")
	ErrFrameChecksum = errors.New("frame checksum mismatch")
)

// ClampCount bounds a channel count to [0, MaxChannelCount].
func ClampCount(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxChannelCount {
		return MaxChannelCount
	}
	return v
}

// EncodeFrame builds the 8-byte checksummed frame for the four channel
// counts. Counts are clamped, never rejected; the hardware treats zero as a
// no-op for that channel.
func EncodeFrame(counts [4]int) []byte {
	frame := make([]byte, 0, FrameSize)
	frame = append(frame, FrameStart, FrameVersion)
	sum := int(FrameVersion)
	for _, c := range counts {
		b := byte(ClampCount(c))
		frame = append(frame, b)
		sum += int(b)
	}
	frame = append(frame, byte(sum&0xFF), FrameEnd)
	return frame
}

// DecodeFrame validates and decodes an 8-byte frame back into channel
// counts. A corrupted byte surfaces as ErrFrameChecksum (or a framing error
// when the sentinel bytes themselves are hit).
func DecodeFrame(frame []byte) ([4]int, error) {
	var counts [4]int
	if len(frame) != FrameSize {
		return counts, fmt.Errorf("%w: got %d", ErrFrameSize, len(frame))
	}
	if frame[0] != FrameStart {
		return counts, ErrFrameStart
	}
	if frame[7] != FrameEnd {
		return counts, ErrFrameEnd
	}
	if frame[1] != FrameVersion {
		return counts, fmt.Errorf("%w: 0x%02X", ErrFrameVersion, frame[1])
	}
	sum := int(frame[1])
	for i := 0; i < 4; i++ {
		counts[i] = int(frame[2+i])
		sum += counts[i]
	}
	if byte(sum&0xFF) != frame[6] {
		return counts, fmt.Errorf("%w: want 0x%02X got 0x%02X", ErrFrameChecksum, byte(sum&0xFF), frame[6])
	}
	return counts, nil
}

// FrameHex renders a frame as space-separated uppercase hex for logs and
// audit records.
func FrameHex(frame []byte) string {
	parts := make([]string, len(frame))
	for i, b := range frame {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// jsonCommand is the legacy line-oriented command form.
type jsonCommand struct {
	Pill1 int `json:"pill1"`
	Pill2 int `json:"pill2"`
	Pill3 int `json:"pill3"`
	Pill4 int `json:"pill4"`
}

// EncodeJSONLine builds the newline-terminated legacy JSON command accepted
// by older firmware.
func EncodeJSONLine(counts [4]int) ([]byte, error) {
	cmd := jsonCommand{
		Pill1: ClampCount(counts[0]),
		Pill2: ClampCount(counts[1]),
		Pill3: ClampCount(counts[2]),
		Pill4: ClampCount(counts[3]),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode legacy JSON command: %w", err)
	}
	return append(data, '\n'), nil
}

// Ack is a decoded hardware acknowledgement line.
type Ack struct {
	OK      bool
	Status  string
	Raw     string
	Payload map[string]any
	Counts  []int
}

// DecodeAck classifies a raw acknowledgement line. A JSON object with a
// recognized status token, any JSON object, or any non-empty line counts as
// acknowledged; an empty line does not.
func DecodeAck(raw string) Ack {
	text := strings.TrimSpace(raw)
	ack := Ack{Raw: text}
	if text == "" {
		return ack
	}

	var payload map[string]any
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			payload = nil
		}
	}

	status := text
	if payload != nil {
		ack.Payload = payload
		if s, ok := payload["status"].(string); ok && strings.TrimSpace(s) != "" {
			status = strings.TrimSpace(s)
		}
		if rawCounts, ok := payload["counts"].([]any); ok {
			for _, v := range rawCounts {
				if f, ok := v.(float64); ok {
					ack.Counts = append(ack.Counts, int(f))
				}
			}
		}
	}

	ack.Status = status
	ack.OK = true
	return ack
}
