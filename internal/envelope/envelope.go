// Package envelope implements the fade envelope state machine for click-free
// tone onset and offset.
//
// The envelope is a linear amplitude ramp over a fixed number of samples: a
// tone starts by ramping 0→1 (FadeIn), holds at 1 (Sustain), and stops by
// ramping 1→0 (FadeOut). Idle outputs exactly 0. The machine advances one
// step per generated sample via Next.
package envelope

// Stage identifies the current envelope state.
type Stage int

const (
	// Idle is the initial stage; the amplitude multiplier is exactly 0.
	Idle Stage = iota
	// FadeIn ramps the multiplier linearly 0→1 over the fade length.
	FadeIn
	// Sustain holds the multiplier at exactly 1.
	Sustain
	// FadeOut ramps the multiplier linearly 1→0 over the fade length.
	FadeOut
)

// String returns the stage name for logs and test failures.
func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case FadeIn:
		return "fade-in"
	case Sustain:
		return "sustain"
	case FadeOut:
		return "fade-out"
	default:
		return "unknown"
	}
}

// DefaultFadeSamples is 1 ms at 48 kHz.
const DefaultFadeSamples = 48

// Fade is the envelope state machine. The fade length is fixed for the
// lifetime of the value. Not safe for concurrent use; the owner synchronises.
type Fade struct {
	length int // ramp duration in samples, >= 1
	stage  Stage
	step   int // samples elapsed within the current ramp, 0 <= step <= length
}

// New returns an Idle envelope with the given ramp length in samples.
// A length < 1 falls back to DefaultFadeSamples.
func New(length int) *Fade {
	if length < 1 {
		length = DefaultFadeSamples
	}
	return &Fade{length: length}
}

// Stage returns the current stage.
func (f *Fade) Stage() Stage {
	return f.stage
}

// Length returns the ramp duration in samples.
func (f *Fade) Length() int {
	return f.length
}

// TriggerIn arms a fade-in from silence, regardless of the current stage.
func (f *Fade) TriggerIn() {
	f.stage = FadeIn
	f.step = 0
}

// TriggerOut arms a fade-out. From Sustain the full ramp runs. A fade-out
// during FadeIn interrupts the ramp: the step is mirrored so the multiplier
// continues down from the value already reached instead of jumping to 1. A
// FadeIn that has not emitted a sample yet is still at amplitude 0, so it
// drops straight back to Idle — there is nothing to ramp down. Idle and an
// already running FadeOut are left alone.
func (f *Fade) TriggerOut() {
	switch f.stage {
	case Sustain:
		f.stage = FadeOut
		f.step = 0
	case FadeIn:
		if f.step == 0 {
			f.stage = Idle
			return
		}
		f.stage = FadeOut
		f.step = f.length - f.step
	}
}

// Next returns the amplitude multiplier for the current sample and advances
// the machine one step. FadeIn yields step/length and enters Sustain once the
// step count reaches the fade length; FadeOut yields 1-step/length and enters
// Idle the same way. Idle and Sustain are steady at 0 and 1.
func (f *Fade) Next() float64 {
	switch f.stage {
	case FadeIn:
		m := float64(f.step) / float64(f.length)
		f.step++
		if f.step >= f.length {
			f.stage = Sustain
			f.step = 0
		}
		return m
	case FadeOut:
		m := 1 - float64(f.step)/float64(f.length)
		f.step++
		if f.step >= f.length {
			f.stage = Idle
			f.step = 0
		}
		return m
	case Sustain:
		return 1
	default:
		return 0
	}
}

// Reset returns the envelope to Idle without emitting a ramp.
func (f *Fade) Reset() {
	f.stage = Idle
	f.step = 0
}
