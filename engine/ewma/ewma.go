// Package ewma implements a bounded exponentially weighted moving average
// filter, the building block the autorate and steering loops use to smooth
// RTT samples into baseline and loaded estimates.
package ewma

import (
	"errors"
	"math"
)

// ErrInvalidInput is returned when a sample is NaN, infinite, negative, or
// exceeds the filter's configured MaxValue.
var ErrInvalidInput = errors.New("ewma: invalid input")

// ErrOverflow is returned when an update would produce a non-finite result.
// This is defensive: it cannot happen for valid samples and an Alpha in
// (0,1), but the filter still refuses to silently propagate a NaN/Inf.
var ErrOverflow = errors.New("ewma: overflow")

// Filter is a single-value EWMA with bounds checking on every update.
type Filter struct {
	alpha    float64
	maxValue float64
	value    float64
	isSet    bool
}

// New constructs a Filter. alpha must be in (0,1) and maxValue must be
// positive; both are caller-validated configuration, not runtime input, so
// New panics on an invalid pair rather than returning an error.
func New(alpha, maxValue float64) *Filter {
	if !(alpha > 0 && alpha < 1) {
		panic("ewma: alpha must be in (0,1)")
	}
	if !(maxValue > 0) {
		panic("ewma: maxValue must be positive")
	}
	return &Filter{alpha: alpha, maxValue: maxValue}
}

// Value returns the current filtered value and whether it has been set yet.
func (f *Filter) Value() (float64, bool) {
	return f.value, f.isSet
}

// Reset clears the filter back to its unset state.
func (f *Filter) Reset() {
	f.value = 0
	f.isSet = false
}

// Update folds sample into the filter and returns the new value. On a
// validation failure the filter is left unmodified.
func (f *Filter) Update(sample float64) (float64, error) {
	if math.IsNaN(sample) || math.IsInf(sample, 0) || sample < 0 || sample > f.maxValue {
		return 0, ErrInvalidInput
	}
	if !f.isSet {
		f.value = sample
		f.isSet = true
		return f.value, nil
	}
	next := f.alpha*sample + (1-f.alpha)*f.value
	if math.IsNaN(next) || math.IsInf(next, 0) {
		return 0, ErrOverflow
	}
	f.value = next
	return f.value, nil
}
