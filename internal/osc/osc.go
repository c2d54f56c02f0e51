// Package osc implements a phase-accumulator sine oscillator for audio
// synthesis at an arbitrary sample rate.
//
// The oscillator tracks its position as an angle in [0, 2π) and advances by a
// per-sample phase delta proportional to frequency. The delta is computed once
// per audio block (PhaseDelta) rather than once per sample, keeping the inner
// loop to one Sin call and one add.
package osc

import "math"

const twoPi = 2 * math.Pi

// Sine is a single sine-wave oscillator. The zero value starts at phase 0 and
// is ready to use. Not safe for concurrent use; the owner synchronises.
type Sine struct {
	phase float64
}

// PhaseDelta returns the per-sample phase increment for a tone of freqHz at
// the given sample rate. Callers are expected to reject freqHz <= 0 before
// generating; the result for such inputs is not a usable waveform.
func PhaseDelta(freqHz, sampleRate float64) float64 {
	return twoPi * freqHz / sampleRate
}

// Next returns the sample at the current phase and then advances by delta.
// Sample i of a run started from Reset is sin(i*delta), so tone onsets are
// deterministic. Phase wraps by subtracting 2π to bound floating-point error
// over long runs.
func (o *Sine) Next(delta float64) float64 {
	s := math.Sin(o.phase)
	o.phase += delta
	if o.phase >= twoPi {
		o.phase -= twoPi
	}
	return s
}

// Phase returns the current phase angle in [0, 2π).
func (o *Sine) Phase() float64 {
	return o.phase
}

// Reset rewinds the oscillator to phase 0.
func (o *Sine) Reset() {
	o.phase = 0
}
