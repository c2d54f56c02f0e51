// Package params defines the sidetone parameter query contract and a
// lock-free implementation for the control plane.
//
// The audio loop queries tone parameters once per block, so implementations
// of Source must be non-blocking, allocation-free and side-effect-free: no
// locks shared with slower goroutines, no I/O. Settings satisfies that with
// plain atomics; float values are stored as their IEEE-754 bit pattern in an
// atomic.Uint64.
package params

import (
	"math"
	"sync/atomic"
)

const (
	// MinFrequencyHz and MaxFrequencyHz bound the usable sidetone pitch range.
	MinFrequencyHz = 200
	MaxFrequencyHz = 1200

	// DefaultFrequencyHz is a comfortable CW pitch.
	DefaultFrequencyHz = 600
	// DefaultVolume is the initial sidetone level in [0, 1].
	DefaultVolume = 0.5
)

// Source is the read-only parameter query interface consumed by the sidetone
// generator. The control plane owns the values; the generator never caches
// them across blocks, so a change is audible on the very next block.
type Source interface {
	ToneEnabled() bool
	ToneFrequencyHz() float64
	ToneVolume() float64
}

// ClampFrequencyHz clamps f to [MinFrequencyHz, MaxFrequencyHz]. NaN is
// passed through so callers can detect and silence it.
func ClampFrequencyHz(f float64) float64 {
	if f < MinFrequencyHz {
		return MinFrequencyHz
	}
	if f > MaxFrequencyHz {
		return MaxFrequencyHz
	}
	return f
}

// ClampVolume clamps v to [0, 1]. NaN maps to 0 (silence, never noise).
func ClampVolume(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Settings is the control-plane backed Source. Writers clamp on the way in;
// readers are single atomic loads. The zero value is not usable; use
// NewSettings.
type Settings struct {
	enabled  atomic.Bool
	freqBits atomic.Uint64
	volBits  atomic.Uint64
}

// NewSettings returns Settings with the tone disabled, DefaultFrequencyHz
// and DefaultVolume.
func NewSettings() *Settings {
	s := &Settings{}
	s.freqBits.Store(math.Float64bits(DefaultFrequencyHz))
	s.volBits.Store(math.Float64bits(DefaultVolume))
	return s
}

// SetEnabled turns sidetone generation on or off.
func (s *Settings) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// SetFrequencyHz stores the tone pitch, clamped to the supported range.
// Non-finite input is replaced by DefaultFrequencyHz.
func (s *Settings) SetFrequencyHz(f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		f = DefaultFrequencyHz
	}
	s.freqBits.Store(math.Float64bits(ClampFrequencyHz(f)))
}

// SetVolume stores the tone level, clamped to [0, 1].
func (s *Settings) SetVolume(v float64) {
	s.volBits.Store(math.Float64bits(ClampVolume(v)))
}

// ToneEnabled implements Source.
func (s *Settings) ToneEnabled() bool {
	return s.enabled.Load()
}

// ToneFrequencyHz implements Source.
func (s *Settings) ToneFrequencyHz() float64 {
	return math.Float64frombits(s.freqBits.Load())
}

// ToneVolume implements Source.
func (s *Settings) ToneVolume() float64 {
	return math.Float64frombits(s.volBits.Load())
}
