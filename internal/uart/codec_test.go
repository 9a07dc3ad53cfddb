package uart

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeFrameLayout(t *testing.T) {
	frame := EncodeFrame([4]int{2, 0, 1, 3})

	if len(frame) != FrameSize {
		t.Fatalf("expected %d-byte frame, got %d", FrameSize, len(frame))
	}
	if frame[0] != FrameStart {
		t.Errorf("start byte = 0x%02X, want 0x%02X", frame[0], FrameStart)
	}
	if frame[1] != FrameVersion {
		t.Errorf("version byte = 0x%02X, want 0x%02X", frame[1], FrameVersion)
	}
	if frame[7] != FrameEnd {
		t.Errorf("end byte = 0x%02X, want 0x%02X", frame[7], FrameEnd)
	}
	// checksum = (version + counts) & 0xFF
	wantSum := byte((int(FrameVersion) + 2 + 0 + 1 + 3) & 0xFF)
	if frame[6] != wantSum {
		t.Errorf("checksum = 0x%02X, want 0x%02X", frame[6], wantSum)
	}
}

func TestEncodeFrameClampsCounts(t *testing.T) {
	frame := EncodeFrame([4]int{-5, 50, 0, MaxChannelCount})

	counts, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := [4]int{0, MaxChannelCount, 0, MaxChannelCount}
	if counts != want {
		t.Errorf("decoded counts = %v, want %v", counts, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	cases := [][4]int{
		{0, 0, 0, 0},
		{1, 0, 0, 0},
		{0, 0, 0, 1},
		{MaxChannelCount, MaxChannelCount, MaxChannelCount, MaxChannelCount},
		{1, 2, 3, 4},
	}
	for _, counts := range cases {
		frame := EncodeFrame(counts)
		got, err := DecodeFrame(frame)
		if err != nil {
			t.Errorf("DecodeFrame(%v) failed: %v", counts, err)
			continue
		}
		if got != counts {
			t.Errorf("round trip %v produced %v", counts, got)
		}
	}
}

func TestDecodeFrameRejectsCorruption(t *testing.T) {
	base := EncodeFrame([4]int{1, 2, 3, 4})

	tests := []struct {
		name    string
		mutate  func([]byte)
		wantErr error
	}{
		{"short frame", nil, ErrFrameSize},
		{"bad start", func(f []byte) { f[0] = 0x00 }, ErrFrameStart},
		{"bad end", func(f []byte) { f[7] = 0x00 }, ErrFrameEnd},
		{"bad version", func(f []byte) { f[1] = 0x02 }, ErrFrameVersion},
		{"flipped count", func(f []byte) { f[3]++ }, ErrFrameChecksum},
		{"flipped checksum", func(f []byte) { f[6] ^= 0xFF }, ErrFrameChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, len(base))
			copy(frame, base)
			if tt.mutate == nil {
				frame = frame[:FrameSize-1]
			} else {
				tt.mutate(frame)
			}
			_, err := DecodeFrame(frame)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeFrame error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameHex(t *testing.T) {
	got := FrameHex([]byte{0xAA, 0x01, 0x02, 0x00, 0x00, 0x00, 0x03, 0x55})
	want := "AA 01 02 00 00 00 03 55"
	if got != want {
		t.Errorf("FrameHex = %q, want %q", got, want)
	}
}

func TestEncodeJSONLine(t *testing.T) {
	data, err := EncodeJSONLine([4]int{2, 0, 25, -1})
	if err != nil {
		t.Fatalf("EncodeJSONLine failed: %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Fatal("legacy JSON command must be newline terminated")
	}

	var decoded map[string]int
	if err := json.Unmarshal(data[:len(data)-1], &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	want := map[string]int{"pill1": 2, "pill2": 0, "pill3": MaxChannelCount, "pill4": 0}
	for key, count := range want {
		if decoded[key] != count {
			t.Errorf("%s = %d, want %d", key, decoded[key], count)
		}
	}
}

func TestDecodeAck(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantOK     bool
		wantStatus string
	}{
		{"empty line", "", false, ""},
		{"whitespace only", "   \r", false, ""},
		{"plain text", "OK", true, "OK"},
		{"json with status", `{"status":"DISPENSED"}`, true, "DISPENSED"},
		{"json without status", `{"ready":true}`, true, `{"ready":true}`},
		{"malformed json", `{"status":`, true, `{"status":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := DecodeAck(tt.raw)
			if ack.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", ack.OK, tt.wantOK)
			}
			if ack.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", ack.Status, tt.wantStatus)
			}
		})
	}
}

func TestDecodeAckExtractsCounts(t *testing.T) {
	ack := DecodeAck(`{"status":"DISPENSED","counts":[1,0,2,0]}`)
	if !ack.OK {
		t.Fatal("expected acknowledged")
	}
	want := []int{1, 0, 2, 0}
	if len(ack.Counts) != len(want) {
		t.Fatalf("counts = %v, want %v", ack.Counts, want)
	}
	for i := range want {
		if ack.Counts[i] != want[i] {
			t.Fatalf("counts = %v, want %v", ack.Counts, want)
		}
	}
	if ack.Payload == nil {
		t.Error("expected parsed payload")
	}
}
