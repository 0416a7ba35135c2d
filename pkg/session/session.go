package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/li195111/giga-bridge/pkg/giga"
	"github.com/li195111/giga-bridge/pkg/serialport"
)

// SendQueueDepth bounds the request channel between the application and the
// listen loop.
const SendQueueDepth = 128

var (
	// ErrQueueFull is returned by Submit when the send queue is saturated;
	// the request is dropped.
	ErrQueueFull = errors.New("session: send queue full")
	// ErrDisconnected is returned by Listen/ListenOnce after a port-level I/O
	// error has moved the session to the broken state.
	ErrDisconnected = errors.New("session: port disconnected")
)

// Config describes one serial session. Variant behavior (verbose decode
// traces, byte-level traces, passive sensor monitoring) is configuration
// data, not separate session types.
type Config struct {
	PortName       string
	BaudRate       int           // default 460800
	ReadTimeout    time.Duration // per-byte read deadline, default 500ms
	MaxRetries     int           // open retries, default 5
	Debug          bool          // verbose decode traces
	ShowByte       bool          // trace every received byte
	SensorMonitor  bool          // passive mode: no heartbeat on read timeout
	TriggerTimeout time.Duration // trigger-debounce observation window
}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 460800
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
}

// Callbacks carries the application-side sinks. OnRecord must not block; the
// listen loop is single-stranded.
type Callbacks struct {
	OnRecord     func(*giga.Record)
	OnDiagnostic func(string)
}

// Request is one queued send: action, command and a payload object that will
// be CBOR-encoded.
type Request struct {
	Action  giga.Action
	Command giga.Command
	Payload interface{}
}

// BytePort is the transport the session drives. *serialport.Port satisfies
// it; tests substitute scripted fakes.
type BytePort interface {
	ReadByte() (byte, error)
	WriteAndFlush([]byte) error
	Close() error
}

// Session owns a serial link to the Giga: the port handle, the reassembly
// state machine, the send queue and the trigger state. One goroutine runs
// Listen; Submit, RequestReconnect and the accessors may be called from
// anywhere.
type Session struct {
	cfg Config
	cb  Callbacks

	port   BytePort
	reader *giga.Reader

	sendCh      chan Request
	reconnectCh chan bool

	writeMu sync.Mutex

	connected      atomic.Bool
	exit           atomic.Bool
	isTriggered    atomic.Bool
	triggeredCount atomic.Uint64
	frameErrors    atomic.Uint64

	recvWait *latencyWindow
	procTime *latencyWindow

	lastTrigger  time.Time
	lastGigaLine time.Time
}

// Connect opens the port (with the adapter's bounded retry) and returns a
// live session.
func Connect(cfg Config, cb Callbacks) (*Session, error) {
	cfg.applyDefaults()
	port, err := serialport.Open(serialport.Config{
		Name:        cfg.PortName,
		BaudRate:    cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
		MaxRetries:  cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return newWithPort(cfg, cb, port), nil
}

// newWithPort wires a session around an already-open transport.
func newWithPort(cfg Config, cb Callbacks, port BytePort) *Session {
	s := &Session{
		cfg:         cfg,
		cb:          cb,
		port:        port,
		sendCh:      make(chan Request, SendQueueDepth),
		reconnectCh: make(chan bool, 1),
		recvWait:    newLatencyWindow(),
		procTime:    newLatencyWindow(),
	}
	s.reader = giga.NewReader(giga.ReaderConfig{
		Debug:    cfg.Debug,
		ShowByte: cfg.ShowByte,
		OnRecord: s.handleRecord,
		OnLine:   s.handleLine,
		OnDrop:   s.handleDrop,
	})
	s.connected.Store(true)
	return s
}

// Listen drives the session until Exit is called or the port breaks. A
// reconnect request is honored at the top of each iteration, then the send
// queue is drained, then one bounded unit of receive work runs.
func (s *Session) Listen() error {
	for !s.exit.Load() {
		select {
		case <-s.reconnectCh:
			if err := s.Reconnect(); err != nil {
				return err
			}
		default:
		}
		s.drainSend()
		if err := s.ListenOnce(); err != nil {
			return err
		}
	}
	return nil
}

// ListenOnce performs one bounded unit of work: read one byte (or observe a
// timeout) and feed it to the state machine. A read timeout triggers the
// idle heartbeat unless the session is a passive sensor monitor. A port I/O
// error marks the session broken and returns ErrDisconnected; the caller
// decides whether to reconnect.
func (s *Session) ListenOnce() error {
	b, err := s.port.ReadByte()
	if err != nil {
		if errors.Is(err, serialport.ErrReadTimeout) {
			if s.cfg.SensorMonitor {
				return nil
			}
			if err := s.sendMotor(giga.ActionRead); err != nil {
				log.Printf("Heartbeat send failed: %v", err)
			}
			return nil
		}
		s.connected.Store(false)
		log.Printf("Read failed on %s: %v", s.cfg.PortName, err)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	s.reader.Feed(b)
	return nil
}

// Submit queues a send request for the listen loop to transmit in FIFO
// order. A full queue drops the request.
func (s *Session) Submit(req Request) error {
	select {
	case s.sendCh <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// drainSend transmits every queued request between byte reads.
func (s *Session) drainSend() {
	for {
		select {
		case req := <-s.sendCh:
			if err := s.Send(req.Action, req.Command, req.Payload); err != nil {
				log.Printf("Send %s/%s failed: %v", req.Action, req.Command, err)
			}
		default:
			return
		}
	}
}

// Send CBOR-encodes payload, builds the COBS inner record and writes it
// bracketed by 0x00 delimiters. A write failure surfaces to the caller and
// does not by itself mark the session broken.
func (s *Session) Send(action giga.Action, command giga.Command, payload interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	cobsFrame, innerLen, crc, err := giga.BuildCOBS(action, command, body)
	if err != nil {
		return err
	}
	out := make([]byte, 0, len(cobsFrame)+2)
	out = append(out, 0x00)
	out = append(out, cobsFrame...)
	out = append(out, 0x00)
	if s.cfg.Debug {
		log.Printf("TX %s/%s inner=%d crc=%04X", action, command, innerLen, crc)
		log.Printf("TX Payload: %s", hex.EncodeToString(body))
		log.Printf("TX Complete Frame: %s", hex.EncodeToString(out))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.port.WriteAndFlush(out)
}

// Reconnect replaces the port handle via the adapter's open routine. All
// application-visible counters survive.
func (s *Session) Reconnect() error {
	s.writeMu.Lock()
	if s.port != nil {
		s.port.Close()
	}
	s.writeMu.Unlock()
	port, err := serialport.Open(serialport.Config{
		Name:        s.cfg.PortName,
		BaudRate:    s.cfg.BaudRate,
		ReadTimeout: s.cfg.ReadTimeout,
		MaxRetries:  s.cfg.MaxRetries,
	})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	s.port = port
	s.writeMu.Unlock()
	s.connected.Store(true)
	log.Printf("Reopened %s", s.cfg.PortName)
	return nil
}

// RequestReconnect asks the listen loop to reconnect before its next read.
func (s *Session) RequestReconnect() {
	select {
	case s.reconnectCh <- true:
	default:
	}
}

// Exit makes the next loop iteration return; in-flight writes complete and
// the pending read returns on its next timeout.
func (s *Session) Exit() {
	s.exit.Store(true)
}

// Close exits the loop and releases the port.
func (s *Session) Close() error {
	s.Exit()
	return s.port.Close()
}

// Connected reports whether the link is live.
func (s *Session) Connected() bool { return s.connected.Load() }

// Triggered reports the last observed sensor trigger state.
func (s *Session) Triggered() bool { return s.isTriggered.Load() }

// TriggeredCount reports how many debounced trigger observations have been
// seen over the session lifetime, including across reconnects.
func (s *Session) TriggeredCount() uint64 { return s.triggeredCount.Load() }

// FrameErrors reports how many frames were dropped at the record boundary.
func (s *Session) FrameErrors() uint64 { return s.frameErrors.Load() }

// ReceiveWaitStats returns the moving average and sample count of the
// opening-to-closing-delimiter latency.
func (s *Session) ReceiveWaitStats() (time.Duration, int) { return s.recvWait.stats() }

// ProcessStats returns the moving average and sample count of record decode
// time.
func (s *Session) ProcessStats() (time.Duration, int) { return s.procTime.stats() }

// handleRecord runs on the listen goroutine for every decoded record.
func (s *Session) handleRecord(rec *giga.Record, timing giga.RecordTiming) {
	s.recvWait.add(timing.ReceiveWait)
	s.procTime.add(timing.Process)
	if s.cfg.Debug {
		recvAvg, _ := s.recvWait.stats()
		procAvg, _ := s.procTime.stats()
		log.Printf("RX %s/%s len=%d crc=%04X recv=%v (avg %v) proc=%v (avg %v)",
			rec.Action, rec.Command, rec.PayloadLen, rec.CRC,
			timing.ReceiveWait, recvAvg, timing.Process, procAvg)
		log.Printf("RX Payload: %s", hex.EncodeToString(rec.PayloadBytes))
	}
	if rec.Command == giga.CommandSensor || rec.Command == giga.CommandSensorLow {
		s.handleSensor(rec)
	}
	if s.cb.OnRecord != nil {
		s.cb.OnRecord(rec)
	}
}

// handleSensor resolves the trigger state of a SENSOR/SENSOR_LOW record and,
// on a trigger observation, bumps the counter and dispatches one SEND/MOTOR
// frame. Observations inside the trigger-timeout window are debounced.
func (s *Session) handleSensor(rec *giga.Record) {
	triggered := resolveTrigger(rec)
	s.isTriggered.Store(triggered)
	if s.cfg.Debug {
		log.Printf("Sensor is triggered: %t", triggered)
	}
	if !triggered {
		return
	}
	now := time.Now()
	if s.cfg.TriggerTimeout > 0 && now.Sub(s.lastTrigger) < s.cfg.TriggerTimeout {
		return
	}
	s.lastTrigger = now
	s.triggeredCount.Add(1)
	if err := s.sendMotor(giga.ActionSend); err != nil {
		log.Printf("Trigger motor send failed: %v", err)
	}
}

// resolveTrigger applies the payload rules for sensor records: a top-level
// "triggered" bool wins; otherwise motor-style nested maps are scanned in the
// payload's declared order with the final value winning; otherwise the legacy
// fallback is false for SENSOR and true for SENSOR_LOW.
func resolveTrigger(rec *giga.Record) bool {
	if v, ok := rec.Payload["triggered"]; ok {
		if b, ok := asBool(v); ok {
			return b
		}
	}
	triggered := false
	matched := false
	for _, key := range payloadKeys(rec) {
		entry, ok := asMap(rec.Payload[key])
		if !ok {
			continue
		}
		if b, ok := asBool(entry["triggered"]); ok {
			triggered = b
			matched = true
		}
	}
	if matched {
		return triggered
	}
	log.Printf("Sensor payload has no 'triggered' key, applying %s fallback", rec.Command)
	return rec.Command == giga.CommandSensorLow
}

// payloadKeys yields the payload's keys in declared order, falling back to
// map order when the raw bytes cannot be walked.
func payloadKeys(rec *giga.Record) []string {
	keys, err := giga.MapKeyOrder(rec.PayloadBytes)
	if err == nil {
		return keys
	}
	keys = make([]string, 0, len(rec.Payload))
	for k := range rec.Payload {
		keys = append(keys, k)
	}
	return keys
}

// sendMotor transmits the canonical two-motor MOTOR frame used both as the
// idle heartbeat (READ) and as the trigger response (SEND).
func (s *Session) sendMotor(action giga.Action) error {
	return s.Send(action, giga.CommandMotor, defaultMotorPayload())
}

// defaultMotorPayload is the motion setpoint pair the firmware's parser
// accepts for both motors.
func defaultMotorPayload() map[string]giga.Motion {
	return map[string]giga.Motion{
		"PMt": {
			Name: "PMt", ID: 5, Motion: 1, Speed: 100, Tol: 5,
			Dist: 2000, Angle: 100, Time: 5000, Acc: 300,
			Volt: 12.0, Amp: 0.5, Temp: 25.0,
		},
		"PMb": {
			Name: "PMb", ID: 4, Motion: 1, Speed: 100, Tol: 2,
			Dist: 1900, Angle: 60, Time: 4000, Acc: 400,
			Volt: 12.0, Amp: 0.6, Temp: 26.0,
		},
	}
}

// handleLine forwards a Giga diagnostic line. Plain logging of device chatter
// is throttled per session; the application sink always sees every line.
func (s *Session) handleLine(line string) {
	if s.cb.OnDiagnostic != nil {
		s.cb.OnDiagnostic(line)
	}
	now := time.Now()
	if s.cfg.Debug || now.Sub(s.lastGigaLine) >= time.Second {
		s.lastGigaLine = now
		log.Printf("Giga: %s", line)
	}
}

// handleDrop counts a frame discarded at the record boundary.
func (s *Session) handleDrop(err error) {
	s.frameErrors.Add(1)
	if s.cfg.Debug {
		log.Printf("Bad frame (%d total): %v", s.frameErrors.Load(), err)
	}
}

// asBool unwraps a CBOR-decoded boolean.
func asBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asMap unwraps a CBOR-decoded map. Nested maps decode with interface{}
// keys, top-level maps with string keys; both shapes occur.
func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
