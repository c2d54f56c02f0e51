package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ControlMsg mirrors the server's control message format: newline-free JSON,
// one message per websocket text frame.
type ControlMsg struct {
	Type        string  `json:"type"`
	ClientID    string  `json:"client_id,omitempty"`    // hello: stable client UUID
	Version     string  `json:"version,omitempty"`      // hello: client version
	ServerName  string  `json:"server_name,omitempty"`  // server_info: human-readable rig name
	Active      bool    `json:"active"`                 // tx_state: PTT/key state
	Enabled     bool    `json:"enabled"`                // tone: monitor sidetone on/off
	FrequencyHz float64 `json:"frequency_hz,omitempty"` // tone: pitch
	Volume      float64 `json:"volume,omitempty"`       // tone: level [0,1]
	Ts          int64   `json:"ts,omitempty"`           // ping/pong timestamp (Unix ms)
}

// Metrics holds connection quality metrics for the status line.
type Metrics struct {
	RTTMs        float64 `json:"rtt_ms"`
	PacketLoss   float64 `json:"packet_loss"` // 0.0–1.0
	JitterMs     float64 `json:"jitter_ms"`   // inter-arrival jitter (smoothed)
	QualityLevel string  `json:"quality_level"`
}

// qualityLevel classifies connection quality from metrics.
// Thresholds: good (loss<2%, RTT<100ms, jitter<20ms),
// moderate (loss<10%, RTT<300ms, jitter<50ms), poor (everything else).
func qualityLevel(loss, rttMs, jitterMs float64) string {
	if loss >= 0.10 || rttMs >= 300 || jitterMs >= 50 {
		return "poor"
	}
	if loss >= 0.02 || rttMs >= 100 || jitterMs >= 20 {
		return "moderate"
	}
	return "good"
}

// Transport manages the websocket connection to the transceiver server:
// binary frames carry the receiver audio feed ([seq:2][opus payload]), text
// frames carry JSON control messages (keying, tone settings, ping/pong).
// It implements the Transporter interface.
type Transport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	// clientID identifies this client across reconnects.
	clientID string

	// writeMu serialises websocket writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	// RTT: smoothed via EWMA (RFC 6298), stored as float64 bits for atomic access.
	smoothedRTT atomic.Uint64
	lastPingTs  atomic.Int64 // Unix ms of the last ping sent

	// lastPongTime records when the most recent pong was received (Unix nanoseconds).
	// Initialised to the connection start time; 0 means never received.
	lastPongTime atomic.Int64

	// Packet loss accounting via sequence-gap detection on the audio feed.
	lostPackets     atomic.Uint64
	expectedPackets atomic.Uint64

	// Inter-arrival jitter: EWMA of |actual_gap - 20ms|, stored as float64
	// bits for atomic access. Units: milliseconds.
	smoothedJitter atomic.Uint64

	// disconnectReason is set before Disconnect is called to communicate the
	// cause to the onDisconnected callback. Protected by mu.
	disconnectReason string

	metricsMu       sync.Mutex
	lastMetricsTime time.Time

	// Callbacks — set via setters before calling Connect.
	cbMu            sync.RWMutex
	onServerInfo    func(name string)
	onTransmitState func(active bool)
	onToneSettings  func(enabled bool, freqHz, volume float64)
	onAudioPacket   func(seq uint16, opus []byte)
	onDisconnected  func(reason string)
}

// Verify Transport satisfies the Transporter interface at compile time.
var _ Transporter = (*Transport)(nil)

// NewTransport creates a ready-to-use Transport.
func NewTransport() *Transport {
	return &Transport{
		clientID:        uuid.NewString(),
		lastMetricsTime: time.Now(),
	}
}

// --- Callback setters (satisfy Transporter interface) ---

func (t *Transport) SetOnServerInfo(fn func(name string)) {
	t.cbMu.Lock()
	t.onServerInfo = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnTransmitState(fn func(active bool)) {
	t.cbMu.Lock()
	t.onTransmitState = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnToneSettings(fn func(enabled bool, freqHz, volume float64)) {
	t.cbMu.Lock()
	t.onToneSettings = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnAudioPacket(fn func(seq uint16, opus []byte)) {
	t.cbMu.Lock()
	t.onAudioPacket = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnDisconnected(fn func(reason string)) {
	t.cbMu.Lock()
	t.onDisconnected = fn
	t.cbMu.Unlock()
}

// writeCtrl serialises a control message write; safe for concurrent callers.
func (t *Transport) writeCtrl(msg ControlMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// writeCtrlBestEffort sends a control message without returning errors.
// Used for non-critical messages (pings) where failure is handled elsewhere.
func (t *Transport) writeCtrlBestEffort(msg ControlMsg) {
	if err := t.writeCtrl(msg); err != nil {
		log.Printf("[transport] best-effort write (%s): %v", msg.Type, err)
	}
}

// connectTimeout is the maximum time allowed for the websocket dial and
// hello handshake.
const connectTimeout = 10 * time.Second

// Connect dials the server's monitor endpoint and sends the hello message.
// Callbacks must be registered via Set* methods before calling Connect.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	t.mu.Lock()
	t.disconnectReason = ""
	t.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: addr, Path: "/monitor"}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		cancel()
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	// Reset per-session metrics.
	t.smoothedRTT.Store(0)
	t.smoothedJitter.Store(0)
	t.lostPackets.Store(0)
	t.expectedPackets.Store(0)
	t.lastPongTime.Store(time.Now().UnixNano()) // baseline: treat connection start as a pong
	t.metricsMu.Lock()
	t.lastMetricsTime = time.Now()
	t.metricsMu.Unlock()

	if err := t.writeCtrl(ControlMsg{Type: "hello", ClientID: t.clientID, Version: clientVersion}); err != nil {
		cancel()
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	go t.readLoop(conn)
	go t.pingLoop(ctx)

	return nil
}

// Disconnect closes the websocket connection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		t.conn.Close() //nolint:errcheck // best-effort close for fast teardown
		t.conn = nil
	}
}

// GetMetrics returns current connection quality metrics and resets interval counters.
func (t *Transport) GetMetrics() Metrics {
	lost := t.lostPackets.Swap(0)
	expected := t.expectedPackets.Swap(0)
	var loss float64
	if expected > 0 {
		loss = float64(lost) / float64(expected)
		if loss > 1 {
			loss = 1
		}
	}

	rtt := math.Float64frombits(t.smoothedRTT.Load())
	jitterMs := math.Float64frombits(t.smoothedJitter.Load())

	return Metrics{
		RTTMs:        rtt,
		PacketLoss:   loss,
		JitterMs:     jitterMs,
		QualityLevel: qualityLevel(loss, rtt, jitterMs),
	}
}

// pongTimeout is the maximum time allowed between pongs before the connection
// is considered dead and the client disconnects. 3 missed pings at 2 s each.
const pongTimeout = 6 * time.Second

// pingLoop sends a ping every 2 s for RTT measurement and enforces a pong
// deadline. If no pong arrives within pongTimeout, the connection is closed.
func (t *Transport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts := time.Now().UnixMilli()
			t.lastPingTs.Store(ts)
			t.writeCtrlBestEffort(ControlMsg{Type: "ping", Ts: ts})

			// Check pong deadline. lastPongTime is set to connection-start in
			// Connect(), so this only fires if the server stops responding.
			lastPong := t.lastPongTime.Load()
			if lastPong > 0 && time.Since(time.Unix(0, lastPong)) > pongTimeout {
				log.Printf("[transport] pong timeout — server unreachable, disconnecting")
				t.mu.Lock()
				t.disconnectReason = "server unreachable (ping timeout)"
				t.mu.Unlock()
				t.Disconnect()
				return
			}
		}
	}
}

// readLoop pumps websocket messages until the connection closes: binary
// frames are receiver audio, text frames are control messages. When the
// connection drops it fires onDisconnected with the recorded reason.
func (t *Transport) readLoop(conn *websocket.Conn) {
	var (
		lastSeq     uint16
		hasSeq      bool
		lastArrival time.Time
	)

	const expectedGapMs = 20.0     // one Opus frame = 20 ms
	const jitterAlpha = 1.0 / 16.0 // RFC 3550 jitter gain

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			seq, opus, ok := ParseAudioFrame(data)
			if !ok {
				continue
			}

			now := time.Now()

			// Sequence-gap packet loss accounting. Only count forward
			// progress (diff in [1, 1000)) so reordered packets don't
			// corrupt the counters.
			forward := true
			if hasSeq {
				diff := int(seq) - int(lastSeq)
				if diff < 0 {
					diff += 65536 // uint16 wraparound
				}
				if diff > 0 && diff < 1000 {
					lastSeq = seq
					t.expectedPackets.Add(uint64(diff))
					if diff > 1 {
						t.lostPackets.Add(uint64(diff - 1))
					}
				} else {
					forward = false
				}
			} else {
				lastSeq = seq
				hasSeq = true
			}

			// Inter-arrival jitter: only measured on forward-progress packets.
			if forward {
				if !lastArrival.IsZero() {
					gapMs := float64(now.Sub(lastArrival).Microseconds()) / 1000.0
					if gapMs < 100.0 {
						d := gapMs - expectedGapMs
						if d < 0 {
							d = -d
						}
						old := math.Float64frombits(t.smoothedJitter.Load())
						next := old + jitterAlpha*(d-old)
						t.smoothedJitter.Store(math.Float64bits(next))
					}
				}
				lastArrival = now
			}

			t.cbMu.RLock()
			onAudio := t.onAudioPacket
			t.cbMu.RUnlock()
			if onAudio != nil {
				onAudio(seq, opus)
			}

		case websocket.TextMessage:
			var msg ControlMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("[transport] invalid control msg: %v", err)
				continue
			}
			t.handleControl(msg)
		}
	}

	// Determine disconnect reason: if one was set (e.g. by pingLoop), use it;
	// otherwise default to a generic message.
	t.mu.Lock()
	reason := t.disconnectReason
	t.disconnectReason = ""
	t.mu.Unlock()
	if reason == "" {
		reason = "connection closed by server"
	}

	t.cbMu.RLock()
	onDisconnected := t.onDisconnected
	t.cbMu.RUnlock()
	if onDisconnected != nil {
		onDisconnected(reason)
	}
}

// handleControl dispatches one parsed control message to the registered
// callbacks.
func (t *Transport) handleControl(msg ControlMsg) {
	t.cbMu.RLock()
	onServerInfo := t.onServerInfo
	onTransmitState := t.onTransmitState
	onToneSettings := t.onToneSettings
	t.cbMu.RUnlock()

	switch msg.Type {
	case "server_info":
		if msg.ServerName != "" && onServerInfo != nil {
			onServerInfo(msg.ServerName)
		}
	case "tx_state":
		if onTransmitState != nil {
			onTransmitState(msg.Active)
		}
	case "tone":
		if onToneSettings != nil {
			onToneSettings(msg.Enabled, msg.FrequencyHz, msg.Volume)
		}
	case "pong":
		t.lastPongTime.Store(time.Now().UnixNano())
		sent := t.lastPingTs.Load()
		if sent != 0 {
			sample := float64(time.Now().UnixMilli() - sent)
			old := math.Float64frombits(t.smoothedRTT.Load())
			var next float64
			if old == 0 {
				next = sample
			} else {
				next = 0.125*sample + 0.875*old // EWMA α=0.125 (RFC 6298)
			}
			t.smoothedRTT.Store(math.Float64bits(next))
		}
	}
}

// MarshalAudioFrame builds a binary audio frame. Exported for testing.
func MarshalAudioFrame(seq uint16, opus []byte) []byte {
	frame := make([]byte, 2+len(opus))
	binary.BigEndian.PutUint16(frame[0:2], seq)
	copy(frame[2:], opus)
	return frame
}

// ParseAudioFrame parses a binary audio frame header. Exported for testing.
// The returned opus slice aliases data — copy if you need to retain it.
func ParseAudioFrame(data []byte) (seq uint16, opus []byte, ok bool) {
	if len(data) < 2 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint16(data[0:2]), data[2:], true
}
