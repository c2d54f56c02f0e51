package main

import (
	"log"
	"sync"
	"sync/atomic"

	"stmon/internal/jitter"
	"stmon/internal/sidetone"

	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"
)

const (
	sampleRate = 48000
	channels   = 2 // interleaved stereo output, L = R
	FrameSize  = 960 // 20ms @ 48kHz — exported so other packages can reference it
)

// AudioDevice describes an available audio device.
type AudioDevice struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Write() error
}

// opusDecoder abstracts Opus decoding for testing.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodePLC(pcm []int16) error
}

// MonitorEngine owns the monitor output path: it drains the jitter buffer,
// decodes receiver audio, and runs the routing switch that replaces the block
// with the synthetic sidetone while the transceiver is keyed.
type MonitorEngine struct {
	mu sync.Mutex

	outputDeviceID int
	volume         float64

	decoder        opusDecoder
	playbackStream paStream

	tone *sidetone.Generator

	// jbMu guards jb: the transport goroutine pushes while the playback
	// goroutine pops once per 20 ms tick.
	jbMu sync.Mutex
	jb   *jitter.Buffer

	// notifCh carries pre-chunked raw PCM float32 frames (FrameSize each)
	// synthesised by PlayNotification. Mixed into the receive branch only —
	// never over the sidetone.
	notifCh chan []float32

	running atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup // tracks the playbackLoop goroutine
}

// notifChannelBuf is the number of 20 ms PCM frames the notification channel
// can buffer — enough for ~4 s of queued notification audio.
const notifChannelBuf = 200

// NewMonitorEngine returns a MonitorEngine playing through the given sidetone
// generator, with a jitter buffer of jitterDepth 20 ms frames.
func NewMonitorEngine(tone *sidetone.Generator, jitterDepth int) *MonitorEngine {
	return &MonitorEngine{
		outputDeviceID: -1,
		volume:         1.0,
		tone:           tone,
		jb:             jitter.New(jitterDepth),
		notifCh:        make(chan []float32, notifChannelBuf),
		stopCh:         make(chan struct{}),
	}
}

// Done returns a channel that is closed when the engine stops.
func (me *MonitorEngine) Done() <-chan struct{} {
	return me.stopCh
}

// ListOutputDevices returns available audio output devices.
func (me *MonitorEngine) ListOutputDevices() []AudioDevice {
	devices, err := portaudio.Devices()
	if err != nil {
		log.Printf("[audio] list devices: %v", err)
		return nil
	}
	var out []AudioDevice
	for i, d := range devices {
		if d.MaxOutputChannels > 0 {
			out = append(out, AudioDevice{ID: i, Name: d.Name})
		}
	}
	return out
}

// SetOutputDevice sets the output device by index.
func (me *MonitorEngine) SetOutputDevice(id int) {
	me.mu.Lock()
	me.outputDeviceID = id
	me.mu.Unlock()
}

// SetVolume sets the receive monitor volume in [0.0, 1.0]. It scales the
// decoded receiver audio only; the sidetone carries its own volume.
func (me *MonitorEngine) SetVolume(vol float64) {
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	me.mu.Lock()
	me.volume = vol
	me.mu.Unlock()
}

// PushPacket feeds one received Opus packet into the jitter buffer. Safe to
// call from the transport goroutine.
func (me *MonitorEngine) PushPacket(seq uint16, data []byte) {
	me.jbMu.Lock()
	me.jb.Push(seq, data)
	me.jbMu.Unlock()
}

// ResetStream discards buffered receive audio (e.g. on reconnect).
func (me *MonitorEngine) ResetStream() {
	me.jbMu.Lock()
	me.jb.Reset()
	me.jbMu.Unlock()
}

// Start initializes the Opus decoder and starts the playback stream.
func (me *MonitorEngine) Start() error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.running.Load() {
		return nil
	}

	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return err
	}
	me.decoder = dec

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}

	outputDev, err := resolveDevice(devices, me.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	playbackBuf := make([]float32, channels*FrameSize)
	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: FrameSize,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		return err
	}

	if err := playbackStream.Start(); err != nil {
		playbackStream.Close()
		return err
	}

	me.tone.Initialize(FrameSize)
	me.playbackStream = playbackStream
	me.stopCh = make(chan struct{})
	me.notifCh = make(chan []float32, notifChannelBuf)
	me.running.Store(true)

	me.wg.Add(1)
	go func() { defer me.wg.Done(); me.playbackLoop(playbackBuf) }()

	log.Printf("[audio] started playback=%s", outputDev.Name)
	return nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Stop halts audio playback.
//
// Sequence matters here: Pa_StopStream is thread-safe and causes any blocking
// Pa_WriteStream call to return, which lets the goroutine exit. We must wait
// for it via wg before calling Pa_CloseStream, otherwise we free the native
// stream object while the goroutine may still be touching it (SIGSEGV).
func (me *MonitorEngine) Stop() {
	if !me.running.CompareAndSwap(true, false) {
		return
	}
	close(me.stopCh)

	// Stop the stream first — this unblocks any Write call in the goroutine.
	me.mu.Lock()
	if me.playbackStream != nil {
		me.playbackStream.Stop()
	}
	me.mu.Unlock()

	// Wait for the goroutine to fully exit before freeing the stream object.
	me.wg.Wait()

	me.mu.Lock()
	if me.playbackStream != nil {
		me.playbackStream.Close()
		me.playbackStream = nil
	}
	me.mu.Unlock()

	// Drop stale frames so they don't bleed into the next session.
	me.ResetStream()
	log.Println("[audio] stopped")
}

// zeroFloat32 zeroes all elements of buf.
func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// clampFloat32 clamps v to [-1.0, 1.0].
func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// playbackLoop builds one 20 ms stereo block per write cycle. The receive
// branch drains the jitter buffer and decodes (with PLC on loss); then the
// routing switch asks the sidetone generator whether the operator is keyed,
// and if so the whole block is overwritten with the synthetic tone so the
// monitor never carries the demodulated transmission.
func (me *MonitorEngine) playbackLoop(buf []float32) {
	pcm := make([]int16, FrameSize)

	for {
		// Check for stop before every write cycle.
		select {
		case <-me.stopCh:
			return
		default:
		}

		// Receive branch. Pop never blocks: while the buffer is priming or
		// the feed is idle we output silence. playbackStream.Write() blocks
		// until the hardware buffer needs more samples, naturally pacing
		// this loop without an external ticker.
		me.jbMu.Lock()
		data, ok := me.jb.Pop()
		me.jbMu.Unlock()

		if !ok {
			zeroFloat32(buf)
		} else {
			var n int
			var err error
			if data == nil {
				// Lost frame — let the decoder conceal it.
				err = me.decoder.DecodePLC(pcm)
				n = FrameSize
			} else {
				n, err = me.decoder.Decode(data, pcm)
			}
			if err != nil {
				log.Printf("[audio] decode: %v", err)
				zeroFloat32(buf)
			} else {
				me.mu.Lock()
				vol := me.volume
				me.mu.Unlock()
				scale := float32(vol) / 32768.0
				for i := 0; i < n; i++ {
					s := float32(pcm[i]) * scale
					buf[2*i] = s
					buf[2*i+1] = s
				}
				zeroFloat32(buf[2*n:])
			}
		}

		if me.tone.ToneDue() {
			// Keyed: the sidetone replaces the block outright. Notifications
			// are held back rather than mixed over the tone.
			me.tone.Generate(buf, FrameSize, sampleRate)
		} else {
			// Mix in one notification frame if available.
			select {
			case notifFrame := <-me.notifCh:
				for i, s := range notifFrame {
					buf[2*i] = clampFloat32(buf[2*i] + s)
					buf[2*i+1] = clampFloat32(buf[2*i+1] + s)
				}
			default:
			}
		}

		if err := me.playbackStream.Write(); err != nil {
			if me.running.Load() {
				log.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}
