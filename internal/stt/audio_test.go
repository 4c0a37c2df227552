package stt

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestScaleToInt16(t *testing.T) {
	cases := []struct {
		v, bitDepth int
		want        int16
	}{
		{1000, 16, 1000},
		{-1000, 16, -1000},
		{128, 8, 0},      // 8-bit midpoint is silence
		{255, 8, 32512},  // 8-bit max
		{0, 8, -32768},   // 8-bit min
		{1 << 20, 24, 1 << 12},
		{100, 12, 1600},
	}
	for _, tc := range cases {
		if got := scaleToInt16(tc.v, tc.bitDepth); got != tc.want {
			t.Errorf("scaleToInt16(%d, %d) = %d, want %d", tc.v, tc.bitDepth, got, tc.want)
		}
	}
}

func TestDownmixSilentChannelExcluded(t *testing.T) {
	// Channel 0 carries speech-level energy, channel 1 is silent.
	frames := 1000
	samples := make([]int16, frames*2)
	for i := 0; i < frames; i++ {
		samples[i*2] = int16(8000 * math.Sin(float64(i)/10))
		samples[i*2+1] = 0
	}

	mono := downmixEnergyGated(samples, 2)
	if len(mono) != frames {
		t.Fatalf("expected %d mono frames, got %d", frames, len(mono))
	}
	// The silent channel must not halve the signal.
	var maxAmp int16
	for _, s := range mono {
		if s > maxAmp {
			maxAmp = s
		}
	}
	if maxAmp < 7000 {
		t.Errorf("silent channel diluted the mix: max amplitude %d", maxAmp)
	}
}

func TestDownmixFailsOpenWhenAllQuiet(t *testing.T) {
	// Every channel below the gate: keep all instead of producing silence.
	frames := 500
	samples := make([]int16, frames*2)
	for i := 0; i < frames; i++ {
		samples[i*2] = 40
		samples[i*2+1] = 40
	}

	mono := downmixEnergyGated(samples, 2)
	if len(mono) != frames {
		t.Fatalf("expected %d frames, got %d", frames, len(mono))
	}
	for i, s := range mono {
		if s != 40 {
			t.Fatalf("frame %d = %d, want 40 (average of both quiet channels)", i, s)
		}
	}
}

func TestDownmixMonoPassthrough(t *testing.T) {
	samples := []int16{1, 2, 3}
	mono := downmixEnergyGated(samples, 1)
	if len(mono) != 3 || mono[0] != 1 || mono[2] != 3 {
		t.Errorf("mono input should pass through unchanged, got %v", mono)
	}
}

func TestPacketToInt16StopsAtTrailingZeros(t *testing.T) {
	// Two real samples followed by unused zeroed buffer space.
	neg := int16(-200)
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:], uint16(int16(100)))
	binary.LittleEndian.PutUint16(buf[2:], uint16(neg))

	samples := packetToInt16(buf, 1)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d: %v", len(samples), samples)
	}
	if samples[0] != 100 || samples[1] != -200 {
		t.Errorf("samples = %v, want [100 -200]", samples)
	}
}

func TestPacketToInt16KeepsInteriorZeros(t *testing.T) {
	// A zero sample surrounded by signal is real audio, not padding.
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:], uint16(int16(50)))
	binary.LittleEndian.PutUint16(buf[2:], 0)
	binary.LittleEndian.PutUint16(buf[4:], uint16(int16(60)))

	samples := packetToInt16(buf, 1)
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d: %v", len(samples), samples)
	}
	if samples[1] != 0 || samples[2] != 60 {
		t.Errorf("samples = %v, want [50 0 60]", samples)
	}
}

func TestInt16ToFloat32Normalization(t *testing.T) {
	samples := []int16{0, 16384, -16384, 32767, -32768}
	out := int16ToFloat32(samples)
	if len(out) != len(samples) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(samples))
	}
	if out[0] != 0 {
		t.Errorf("out[0] = %f, want 0", out[0])
	}
	if math.Abs(float64(out[1])-0.5) > 1e-6 {
		t.Errorf("out[1] = %f, want 0.5", out[1])
	}
	if out[4] != -1.0 {
		t.Errorf("out[4] = %f, want -1.0", out[4])
	}
	for _, v := range out {
		if v < -1.0 || v > 1.0 {
			t.Errorf("sample %f outside [-1, 1]", v)
		}
	}
}

func TestResampleSameRateNoop(t *testing.T) {
	samples := []int16{1, 2, 3, 4}
	out := resampleInt16(samples, 16000, 16000)
	if len(out) != 4 || out[0] != 1 {
		t.Errorf("same-rate resample should return input unchanged, got %v", out)
	}
}
