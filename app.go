package main

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"stmon/internal/params"
	"stmon/internal/sidetone"
)

// App wires the transport's control plane to the sidetone generator and the
// monitor engine. Keep this struct thin — delegate to Transport and
// MonitorEngine.
type App struct {
	settings  *params.Settings
	tone      *sidetone.Generator
	engine    *MonitorEngine
	transport Transporter

	// connected is shared between the caller's goroutine and the transport's
	// read loop (via the onDisconnected callback).
	connected atomic.Bool

	// Metrics cache: updated every 5 s by metricsLoop; read by GetMetrics.
	metricsMu     sync.Mutex
	cachedMetrics Metrics
}

// NewApp creates an App with its full audio chain: live tone settings, the
// sidetone generator reading them, and the monitor engine routing between
// receiver audio and the tone.
func NewApp(cfg Config) *App {
	settings := params.NewSettings()
	tone := sidetone.New(0)
	tone.RegisterSource(settings)

	return &App{
		settings:  settings,
		tone:      tone,
		engine:    NewMonitorEngine(tone, cfg.JitterDepth),
		transport: NewTransport(),
	}
}

// ApplyConfig applies persisted audio settings to the engine. Call once on
// startup so settings are active before connecting.
func (a *App) ApplyConfig(cfg Config) {
	a.engine.SetVolume(cfg.Volume)
	if cfg.OutputDeviceID >= 0 {
		a.engine.SetOutputDevice(cfg.OutputDeviceID)
	}
}

// Connect establishes a monitor session with the server at raw (any address
// form normalizeServerAddr accepts).
func (a *App) Connect(ctx context.Context, raw string) error {
	if a.connected.Load() {
		return nil
	}

	addr, err := normalizeServerAddr(raw)
	if err != nil {
		return err
	}

	a.wireCallbacks()

	if err := a.transport.Connect(ctx, addr); err != nil {
		return err
	}

	if err := a.engine.Start(); err != nil {
		a.transport.Disconnect()
		return err
	}

	go a.metricsLoop(a.engine.Done())

	a.engine.PlayNotification(SoundConnect)
	a.connected.Store(true)
	log.Printf("[app] connected to %s", addr)
	return nil
}

// wireCallbacks registers transport callbacks that drive the audio chain.
// Must be called before transport.Connect.
func (a *App) wireCallbacks() {
	a.transport.SetOnTransmitState(func(active bool) {
		if active {
			log.Println("[app] keyed — sidetone routing active")
		} else {
			log.Println("[app] unkeyed — monitor pass-through")
		}
		a.tone.SetTransmitActive(active)
	})
	a.transport.SetOnToneSettings(func(enabled bool, freqHz, volume float64) {
		a.settings.SetEnabled(enabled)
		a.settings.SetFrequencyHz(freqHz)
		a.settings.SetVolume(volume)
	})
	a.transport.SetOnAudioPacket(func(seq uint16, opus []byte) {
		// The transport's read buffer is reused; the jitter buffer retains
		// frames across ticks, so copy the payload here.
		data := make([]byte, len(opus))
		copy(data, opus)
		a.engine.PushPacket(seq, data)
	})
	a.transport.SetOnServerInfo(func(name string) {
		log.Printf("[app] server: %s", name)
	})
	a.transport.SetOnDisconnected(func(reason string) {
		if !a.connected.CompareAndSwap(true, false) {
			return // user-initiated disconnect, ignore
		}
		a.tone.SetTransmitActive(false)
		a.engine.Stop()
		log.Printf("[app] connection lost: %s", reason)
	})
}

// Disconnect ends the monitor session.
func (a *App) Disconnect() {
	if !a.connected.CompareAndSwap(true, false) {
		return
	}
	a.tone.SetTransmitActive(false)
	a.engine.Stop()
	a.transport.Disconnect()
	a.metricsMu.Lock()
	a.cachedMetrics = Metrics{}
	a.metricsMu.Unlock()
	log.Println("[app] disconnected")
}

// IsConnected reports whether a monitor session is currently active.
func (a *App) IsConnected() bool {
	return a.connected.Load()
}

// GetMetrics returns the most recently cached connection quality metrics.
// The cache is refreshed every 5 s by metricsLoop while connected.
func (a *App) GetMetrics() Metrics {
	a.metricsMu.Lock()
	defer a.metricsMu.Unlock()
	return a.cachedMetrics
}

// metricsLoop polls transport metrics every 5 s and caches them. It exits
// when done is closed (i.e. when the engine stops).
func (a *App) metricsLoop(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m := a.transport.GetMetrics()
			if m.QualityLevel != "good" {
				log.Printf("[app] link %s: rtt=%.0fms loss=%.1f%% jitter=%.1fms",
					m.QualityLevel, m.RTTMs, m.PacketLoss*100, m.JitterMs)
			}
			a.metricsMu.Lock()
			a.cachedMetrics = m
			a.metricsMu.Unlock()
		}
	}
}
