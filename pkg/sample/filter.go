// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package sample provides the small filtering helpers used when averaging
// ADC readings (rail voltages, valve drive voltages, supply current).
package sample

import "sort"

// RemoveExtreme drops the dropHigh largest and dropLow smallest samples
// and averages the rest. If too few samples remain it falls back to a
// plain average of all samples. The input slice is not modified.
func RemoveExtreme(samples []uint16, dropHigh, dropLow int) uint16 {
	if len(samples) == 0 {
		return 0
	}
	if dropHigh+dropLow >= len(samples) {
		return Average(samples)
	}

	sorted := make([]uint16, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	kept := sorted[dropLow : len(sorted)-dropHigh]
	return Average(kept)
}

// Median returns the median sample. For an even count it returns the
// average of the two middle samples. The input slice is not modified.
func Median(samples []uint16) uint16 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]uint16, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return uint16((uint32(sorted[mid-1]) + uint32(sorted[mid])) / 2)
}

// Average returns the arithmetic mean of samples, 0 for an empty slice.
func Average(samples []uint16) uint16 {
	if len(samples) == 0 {
		return 0
	}
	var sum uint32
	for _, s := range samples {
		sum += uint32(s)
	}
	return uint16(sum / uint32(len(samples)))
}

// Clamp replaces samples outside [min, max] with the nearest bound,
// in place, and returns the number of samples that were clamped.
func Clamp(samples []uint16, min, max uint16) int {
	clamped := 0
	for i, s := range samples {
		switch {
		case s < min:
			samples[i] = min
			clamped++
		case s > max:
			samples[i] = max
			clamped++
		}
	}
	return clamped
}
