package main

import "context"

// Transporter is the interface wrapping the Transport methods used by App.
// Defining it here lets App be tested with a mock transport.
type Transporter interface {
	Connect(ctx context.Context, addr string) error
	Disconnect()
	GetMetrics() Metrics

	// Callback setters — prefer setters over exported fields so the interface
	// can be satisfied by both the real Transport and test doubles.
	SetOnServerInfo(fn func(name string))
	SetOnTransmitState(fn func(active bool))
	SetOnToneSettings(fn func(enabled bool, freqHz, volume float64))
	SetOnAudioPacket(fn func(seq uint16, opus []byte))
	SetOnDisconnected(fn func(reason string))
}
