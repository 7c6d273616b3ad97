// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package sample

import "testing"

func TestRemoveExtreme(t *testing.T) {
	tests := []struct {
		name     string
		samples  []uint16
		high     int
		low      int
		expected uint16
	}{
		{
			name:     "drop one each side",
			samples:  []uint16{24, 21, 54, 37, 29, 25, 22, 45, 41, 32},
			high:     1,
			low:      1,
			expected: 31, // (24+37+29+25+22+45+41+32)/8
		},
		{name: "empty", samples: nil, high: 1, low: 1, expected: 0},
		{
			name:     "drops exceed count falls back to average",
			samples:  []uint16{10, 20},
			high:     1,
			low:      1,
			expected: 15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RemoveExtreme(tt.samples, tt.high, tt.low); got != tt.expected {
				t.Errorf("RemoveExtreme = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestRemoveExtreme_DoesNotModifyInput(t *testing.T) {
	samples := []uint16{5, 1, 9, 3}
	RemoveExtreme(samples, 1, 1)
	want := []uint16{5, 1, 9, 3}
	for i := range samples {
		if samples[i] != want[i] {
			t.Fatalf("input modified at %d: %v", i, samples)
		}
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name     string
		samples  []uint16
		expected uint16
	}{
		{name: "odd count", samples: []uint16{9, 1, 5}, expected: 5},
		{name: "even count", samples: []uint16{1, 3, 5, 9}, expected: 4},
		{name: "single", samples: []uint16{7}, expected: 7},
		{name: "empty", samples: nil, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Median(tt.samples); got != tt.expected {
				t.Errorf("Median = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAverage_LargeValuesNoOverflow(t *testing.T) {
	samples := []uint16{65535, 65535, 65535, 65535}
	if got := Average(samples); got != 65535 {
		t.Errorf("Average = %d, want 65535", got)
	}
}

func TestClamp(t *testing.T) {
	samples := []uint16{50, 150, 250, 350}
	n := Clamp(samples, 100, 300)
	if n != 2 {
		t.Errorf("clamped count = %d, want 2", n)
	}
	want := []uint16{100, 150, 250, 300}
	for i := range samples {
		if samples[i] != want[i] {
			t.Errorf("samples[%d] = %d, want %d", i, samples[i], want[i])
		}
	}
}
