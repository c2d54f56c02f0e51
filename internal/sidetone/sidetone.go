// Package sidetone synthesizes the local transmit sidetone: a sine tone with
// a linear fade envelope, written as interleaved stereo float32.
//
// The point of a synthetic sidetone is that the operator's monitor never
// carries their own demodulated transmission, so the receiver AGC is not
// driven into compression by it. During transmit the playback path overwrites
// its output block with this generator; at all other times the block passes
// through untouched.
//
// Concurrency: the playback goroutine calls ToneDue and Generate once per
// block; the control plane calls SetTransmitActive on key events. Both sides
// share one mutex. The control-plane hold time is a handful of field writes
// (no allocation, no syscalls), so the audio side is never stalled for more
// than that.
package sidetone

import (
	"fmt"
	"math"
	"sync"

	"stmon/internal/envelope"
	"stmon/internal/osc"
	"stmon/internal/params"
)

// Generator produces the sidetone stream. Create with New; wire a parameter
// source with RegisterSource before tone output is wanted. Until a source is
// registered Generate emits silence and ToneDue is false (degraded mode, not
// an error).
type Generator struct {
	mu  sync.Mutex
	osc osc.Sine
	env *envelope.Fade
	src params.Source

	// txActive is the last state delivered to SetTransmitActive, kept only
	// to detect edges.
	txActive bool

	// maxBlock is the per-channel capacity promised to Initialize. 0 means
	// Initialize has not been called and Generate accepts any count.
	maxBlock int
}

// New returns a Generator whose fade ramp lasts fadeSamples samples.
// fadeSamples < 1 falls back to envelope.DefaultFadeSamples (1 ms @ 48 kHz).
func New(fadeSamples int) *Generator {
	return &Generator{env: envelope.New(fadeSamples)}
}

// Initialize declares the largest per-channel block the host will ever pass
// to Generate. Larger calls are a host bug and panic.
func (g *Generator) Initialize(maxBlockSize int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxBlock = maxBlockSize
	g.osc.Reset()
	g.env.Reset()
	g.txActive = false
}

// Shutdown resets all state. The generator can be re-Initialized afterwards.
func (g *Generator) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxBlock = 0
	g.src = nil
	g.osc.Reset()
	g.env.Reset()
	g.txActive = false
}

// RegisterSource wires the parameter source. The source must be safe to call
// from the audio goroutine at block cadence (see params.Source).
func (g *Generator) RegisterSource(src params.Source) {
	g.mu.Lock()
	g.src = src
	g.mu.Unlock()
}

// SetTransmitActive records the transmit state. Idempotent: repeating the
// current state changes nothing. A false→true edge resets the oscillator
// phase for a deterministic onset and arms the fade-in; true→false arms the
// fade-out (interrupting a fade-in mid-ramp without a level jump).
func (g *Generator) SetTransmitActive(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.txActive == active {
		return
	}
	g.txActive = active
	if active {
		g.osc.Reset()
		g.env.TriggerIn()
	} else {
		g.env.TriggerOut()
	}
}

// TransmitActive reports the last state recorded by SetTransmitActive.
func (g *Generator) TransmitActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.txActive
}

// ToneDue is the routing predicate: the host's playback loop calls it once
// per block and overwrites the block with Generate when it returns true.
//
// The predicate proper is "transmit active AND tone enabled". Two envelope
// rules are layered on top so level changes are always ramped:
//   - an in-flight fade-out runs to Idle even after the predicate goes
//     false (disabling the tone mid-transmission must not cut it hard);
//   - if the predicate holds while the envelope is Idle or draining (enable
//     toggled back on mid-transmit), a fresh fade-in is armed with the
//     phase reset of a new tone segment.
func (g *Generator) ToneDue() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	want := g.txActive && g.src != nil && g.src.ToneEnabled()
	if !want {
		switch g.env.Stage() {
		case envelope.FadeIn, envelope.Sustain:
			g.env.TriggerOut()
		}
		return g.env.Stage() == envelope.FadeOut
	}
	switch g.env.Stage() {
	case envelope.Idle, envelope.FadeOut:
		g.osc.Reset()
		g.env.TriggerIn()
	}
	return true
}

// Generate writes sampleCount interleaved stereo samples into buf,
// overwriting it completely. The parameter source is queried once per call,
// not per sample. Each output sample is sin(phase)·volume·envelope with the
// identical value on both channels; the envelope advances one step per
// sample.
//
// Degraded modes are silent, never erroneous: with no source registered the
// block is zeroed and no state advances; a non-finite frequency or volume
// silences the block but still advances the envelope so in-flight fades
// complete. A sampleCount above the Initialize capacity, a negative count,
// or a short buffer panics — that is a host programming error, not a
// runtime condition.
func (g *Generator) Generate(buf []float32, sampleCount, sampleRate int) {
	if sampleCount < 0 || len(buf) < 2*sampleCount {
		panic(fmt.Sprintf("sidetone: buffer %d too small for %d stereo samples", len(buf), sampleCount))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxBlock > 0 && sampleCount > g.maxBlock {
		panic(fmt.Sprintf("sidetone: block of %d samples exceeds initialized capacity %d", sampleCount, g.maxBlock))
	}

	out := buf[:2*sampleCount]
	if g.src == nil || sampleRate <= 0 {
		zeroFloat32(out)
		return
	}

	freq := params.ClampFrequencyHz(g.src.ToneFrequencyHz())
	vol := params.ClampVolume(g.src.ToneVolume())

	// Clamping bounds ordinary out-of-range values; NaN survives comparison
	// clamps, and a zero-volume block needs no Sin calls either way.
	silent := math.IsNaN(freq) || freq <= 0 || vol == 0
	delta := osc.PhaseDelta(freq, float64(sampleRate))

	for i := 0; i < sampleCount; i++ {
		env := g.env.Next()
		var s float64
		if !silent {
			s = g.osc.Next(delta) * vol * env
		}
		out[2*i] = float32(s)
		out[2*i+1] = float32(s)
	}
}

// envStage exposes the envelope stage to package tests.
func (g *Generator) envStage() envelope.Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.env.Stage()
}

// zeroFloat32 zeroes all elements of buf.
func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
