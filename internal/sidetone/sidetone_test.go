package sidetone

import (
	"math"
	"testing"

	"stmon/internal/envelope"
	"stmon/internal/params"
)

const (
	testRate = 48000
	testFade = 48
)

// fakeSource implements params.Source with fixed values.
type fakeSource struct {
	enabled bool
	freq    float64
	vol     float64
}

func (f *fakeSource) ToneEnabled() bool        { return f.enabled }
func (f *fakeSource) ToneFrequencyHz() float64 { return f.freq }
func (f *fakeSource) ToneVolume() float64      { return f.vol }

func newTestGenerator(src params.Source) *Generator {
	g := New(testFade)
	g.Initialize(1024)
	if src != nil {
		g.RegisterSource(src)
	}
	return g
}

func generate(g *Generator, samples int) []float32 {
	buf := make([]float32, 2*samples)
	g.Generate(buf, samples, testRate)
	return buf
}

// Scenario: 48 kHz, 600 Hz, fade length 48. Sample 0 is silent, the ramp
// follows k/48·sin(2π·600·k/48000), and sample 48 onward is full volume.
func TestFadeInOnset(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 1.0}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)

	buf := generate(g, 96)

	if buf[0] != 0 || buf[1] != 0 {
		t.Fatalf("sample 0 = (%v, %v), want silence at fade start", buf[0], buf[1])
	}
	for _, k := range []int{1, 20, 47} {
		env := float64(k) / testFade
		want := env * math.Sin(2*math.Pi*600*float64(k)/testRate)
		if got := float64(buf[2*k]); math.Abs(got-want) > 1e-5 {
			t.Errorf("sample %d = %v, want %v", k, got, want)
		}
	}
	for _, k := range []int{48, 60, 95} {
		want := math.Sin(2 * math.Pi * 600 * float64(k) / testRate)
		if got := float64(buf[2*k]); math.Abs(got-want) > 1e-5 {
			t.Errorf("sustain sample %d = %v, want %v", k, got, want)
		}
	}
}

func TestStereoChannelsIdentical(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 0.8}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)

	buf := generate(g, 256)
	for i := 0; i < 256; i++ {
		if buf[2*i] != buf[2*i+1] {
			t.Fatalf("sample %d: L=%v R=%v, want identical channels", i, buf[2*i], buf[2*i+1])
		}
	}
}

// Scenario: volume 0.1 must cap the peak exactly, independent of anything else.
func TestVolumeScaling(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 0.1}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)

	generate(g, testFade) // run out the fade-in
	buf := generate(g, 960)

	var peak float64
	for _, s := range buf {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak > 0.1+1e-6 {
		t.Fatalf("peak = %v, want <= 0.1", peak)
	}
	if peak < 0.09 {
		t.Fatalf("peak = %v, suspiciously low for a full sustain block", peak)
	}
}

// Scenario: no source registered — 256 requested samples yield 512 zeros.
func TestUnregisteredSourceEmitsSilence(t *testing.T) {
	g := New(testFade)
	g.Initialize(1024)
	g.SetTransmitActive(true)

	buf := make([]float32, 512)
	for i := range buf {
		buf[i] = 0.7 // stale receive audio must be overwritten
	}
	g.Generate(buf, 256, testRate)
	for i, s := range buf {
		if s != 0 {
			t.Fatalf("buf[%d] = %v, want exactly 0", i, s)
		}
	}
}

func TestSetTransmitActiveIdempotent(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 1.0}
	g := newTestGenerator(src)

	g.SetTransmitActive(true)
	generate(g, 20) // 20 samples into the fade-in
	g.SetTransmitActive(true)

	buf := generate(g, 1)
	// A repeated "true" must not reset phase or restart the ramp: the next
	// sample continues at step 20.
	want := (20.0 / testFade) * math.Sin(2*math.Pi*600*20/testRate)
	if got := float64(buf[0]); math.Abs(got-want) > 1e-5 {
		t.Fatalf("sample after repeated keying = %v, want %v (ramp not restarted)", got, want)
	}
}

// A full key-up/key-down/key-up cycle produces two independent onsets, each
// with its own phase-0 start and full-length ramp.
func TestTwoIndependentFadeIns(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 1.0}
	g := newTestGenerator(src)

	g.SetTransmitActive(true)
	first := generate(g, 200) // fade-in + sustain
	g.SetTransmitActive(false)
	for g.ToneDue() {
		generate(g, 48) // drain the fade-out
	}
	g.SetTransmitActive(true)
	second := generate(g, 200)

	for i := range second {
		if math.Abs(float64(second[i]-first[i])) > 1e-6 {
			t.Fatalf("sample %d differs between onsets: %v vs %v (phase not reset?)", i, first[i], second[i])
		}
	}
}

func TestToneDueRequiresTransmitAndEnable(t *testing.T) {
	src := &fakeSource{enabled: false, freq: 600, vol: 1.0}
	g := newTestGenerator(src)

	if g.ToneDue() {
		t.Fatal("tone due while idle and disabled")
	}
	g.SetTransmitActive(true)
	if g.ToneDue() {
		t.Fatal("tone due while disabled: the routing predicate must hold the buffer untouched")
	}
	src.enabled = true
	if !g.ToneDue() {
		t.Fatal("tone not due while transmitting with tone enabled")
	}
	g.SetTransmitActive(false)
}

// Keying while the tone is disabled must leave the receive path untouched for
// the whole transmit period — not even the first block after the key edge may
// be claimed.
func TestDisabledToneNeverDueAcrossKeyCycle(t *testing.T) {
	src := &fakeSource{enabled: false, freq: 600, vol: 1.0}
	g := newTestGenerator(src)

	g.SetTransmitActive(true)
	for i := 0; i < 50; i++ {
		if g.ToneDue() {
			t.Fatalf("tone due at block %d of a disabled transmit period", i)
		}
	}
	g.SetTransmitActive(false)
	if g.ToneDue() {
		t.Fatal("tone due after unkeying a disabled transmit period")
	}
	if g.envStage() != envelope.Idle {
		t.Fatalf("envelope stage = %v after disabled key cycle, want idle", g.envStage())
	}
}

func TestToneDueFalseWithoutSource(t *testing.T) {
	g := New(testFade)
	g.Initialize(1024)
	g.SetTransmitActive(true)
	if g.ToneDue() {
		t.Fatal("tone due with no parameter source registered")
	}
}

// An in-flight fade-out keeps the tone due until it reaches silence, even
// when the enable flag drops mid-transmission.
func TestFadeOutDrainsAfterDisable(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 1.0}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)
	g.ToneDue()
	generate(g, 100) // into sustain

	src.enabled = false
	if !g.ToneDue() {
		t.Fatal("tone must stay due while the fade-out drains")
	}
	buf := generate(g, testFade)
	if buf[0] == 0 {
		t.Fatal("fade-out should start from sustain level, not silence")
	}
	if g.ToneDue() {
		t.Fatal("tone still due after the fade-out completed")
	}
	// Drained: output must now be exact zeros if the host keeps calling.
	buf = generate(g, 64)
	for i, s := range buf {
		if s != 0 {
			t.Fatalf("post-drain sample %d = %v, want 0", i, s)
		}
	}
}

// Re-enabling mid-transmit arms a fresh onset instead of leaving the
// envelope stuck at Idle while the predicate holds.
func TestReEnableMidTransmitRestartsTone(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 1.0}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)
	g.ToneDue()
	generate(g, 100)

	src.enabled = false
	for g.ToneDue() {
		generate(g, 48)
	}
	src.enabled = true
	if !g.ToneDue() {
		t.Fatal("tone not due after re-enable mid-transmit")
	}
	buf := generate(g, 96)
	if buf[0] != 0 {
		t.Fatalf("restarted onset sample 0 = %v, want 0 (fresh fade-in)", buf[0])
	}
	if buf[2*90] == 0 {
		t.Fatal("no audio after restarted fade-in completed")
	}
}

// Key-up during the fade-in: the envelope ramps down from the level it
// reached, with no step larger than one ramp increment (no click).
func TestFadeOutDuringFadeInHasNoDiscontinuity(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 1.0}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)

	const k = 20
	generate(g, k)
	g.SetTransmitActive(false)
	buf := generate(g, k+4)

	// Envelope at interrupt had reached k/N; the bound below allows one
	// envelope step plus the sine's own per-sample movement.
	prev := (float64(k-1) / testFade) * math.Sin(2*math.Pi*600*float64(k-1)/testRate)
	bound := 1.0/testFade + 2*math.Pi*600/testRate
	for i := 0; i < k+4; i++ {
		cur := float64(buf[2*i])
		if math.Abs(cur-prev) > bound {
			t.Fatalf("sample step %d: |%v - %v| exceeds click bound %v", i, cur, prev, bound)
		}
		prev = cur
	}
	// The shortened ramp reaches silence after k samples.
	for i := k; i < k+4; i++ {
		if buf[2*i] != 0 {
			t.Fatalf("sample %d = %v after interrupted ramp, want 0", i, buf[2*i])
		}
	}
}

func TestBadFrequencySilencesBlockButDrainsEnvelope(t *testing.T) {
	src := &fakeSource{enabled: true, freq: math.NaN(), vol: 1.0}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)

	buf := generate(g, 256)
	for i, s := range buf {
		if s != 0 || math.IsNaN(float64(s)) {
			t.Fatalf("sample %d = %v with NaN frequency, want 0", i, s)
		}
	}
	// The envelope advanced through the silent block, so a key-up drains
	// promptly instead of pinning ToneDue true.
	g.SetTransmitActive(false)
	generate(g, testFade)
	if g.ToneDue() {
		t.Fatal("tone still due after silent-block fade-out window")
	}
}

func TestOutOfRangeParametersAreClamped(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 99999, vol: 7}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)
	generate(g, testFade)
	buf := generate(g, 960)

	var peak float64
	for _, s := range buf {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			t.Fatal("non-finite sample from out-of-range parameters")
		}
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak > 1+1e-6 {
		t.Fatalf("peak %v exceeds clamped full scale", peak)
	}
	// Clamped 1200 Hz tone: half a period is 20 samples, so a sustain block
	// must actually contain signal.
	if peak < 0.5 {
		t.Fatalf("peak %v, expected audible clamped tone", peak)
	}
}

func TestGenerateOversizeBlockPanics(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 1.0}
	g := New(testFade)
	g.Initialize(256)
	g.RegisterSource(src)

	defer func() {
		if recover() == nil {
			t.Fatal("Generate beyond initialized capacity did not panic")
		}
	}()
	buf := make([]float32, 2*512)
	g.Generate(buf, 512, testRate)
}

func TestGenerateShortBufferPanics(t *testing.T) {
	g := newTestGenerator(&fakeSource{enabled: true, freq: 600, vol: 1})
	defer func() {
		if recover() == nil {
			t.Fatal("Generate with undersized buffer did not panic")
		}
	}()
	g.Generate(make([]float32, 10), 256, testRate)
}

func TestShutdownResets(t *testing.T) {
	src := &fakeSource{enabled: true, freq: 600, vol: 1}
	g := newTestGenerator(src)
	g.SetTransmitActive(true)
	generate(g, 100)

	g.Shutdown()
	if g.TransmitActive() {
		t.Fatal("transmit flag survived Shutdown")
	}
	if g.ToneDue() {
		t.Fatal("tone due after Shutdown")
	}
}

func TestEnvelopeStageInvariant(t *testing.T) {
	// Idle implies exact silence even with hot parameters.
	src := &fakeSource{enabled: true, freq: 1200, vol: 1}
	g := newTestGenerator(src)
	if g.envStage() != envelope.Idle {
		t.Fatalf("fresh generator stage = %v, want idle", g.envStage())
	}
	buf := generate(g, 128)
	for i, s := range buf {
		if s != 0 {
			t.Fatalf("idle output sample %d = %v, want 0", i, s)
		}
	}
}
