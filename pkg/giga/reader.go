package giga

import (
	"encoding/hex"
	"log"
	"time"

	"github.com/li195111/giga-bridge/pkg/wire"
)

// Reader state machine states
const (
	stateNormal = iota
	stateCheckingDebug
	stateDebug
)

// debugMarker prefixes ASCII diagnostic lines the firmware interleaves with
// binary frames.
var debugMarker = []byte("[DEBUG]")

// RecordTiming carries the latency figures for one completed record:
// ReceiveWait spans opening to closing delimiter, Process covers decode CPU
// time.
type RecordTiming struct {
	ReceiveWait time.Duration
	Process     time.Duration
}

// ReaderConfig configures a Reader and carries its sinks. OnRecord receives
// every successfully decoded record, OnLine every completed diagnostic line,
// OnDrop every frame discarded at the record boundary.
type ReaderConfig struct {
	Debug    bool
	ShowByte bool
	OnRecord func(*Record, RecordTiming)
	OnLine   func(string)
	OnDrop   func(error)
}

// Reader reassembles records from a byte stream. It segregates [DEBUG]
// diagnostic lines from binary frames and hands completed inner records
// through COBS decode and DecodeInner. All errors at the record boundary are
// recoverable: the suspect bytes are discarded and the stream continues.
type Reader struct {
	cfg ReaderConfig

	state        int
	buf          []byte
	receiveStart time.Time
	matched      int
	line         []byte
}

// NewReader creates a Reader with a fixed-capacity reassembly buffer.
func NewReader(cfg ReaderConfig) *Reader {
	return &Reader{
		cfg:  cfg,
		buf:  make([]byte, 0, MaxFrameLen),
		line: make([]byte, 0, 128),
	}
}

// Feed consumes one byte from the stream.
func (r *Reader) Feed(b byte) {
	if r.cfg.ShowByte {
		log.Printf("RX byte: %02X", b)
	}
	switch r.state {
	case stateNormal:
		if b == debugMarker[0] {
			r.state = stateCheckingDebug
			r.matched = 1
			return
		}
		r.processNormalByte(b)
	case stateCheckingDebug:
		if b == debugMarker[r.matched] {
			r.matched++
			if r.matched == len(debugMarker) {
				r.state = stateDebug
				r.matched = 0
			}
			return
		}
		// Mismatch: replay the buffered marker bytes and the current byte
		// through normal processing. The replay deliberately bypasses the
		// marker check so a stray '[' cannot loop.
		r.state = stateNormal
		for i := 0; i < r.matched; i++ {
			r.processNormalByte(debugMarker[i])
		}
		r.matched = 0
		r.processNormalByte(b)
	case stateDebug:
		switch {
		case b == '\r' || b == '\n':
			if r.cfg.OnLine != nil {
				r.cfg.OnLine(string(r.line))
			}
			r.line = r.line[:0]
			r.state = stateNormal
		case b == 0x1B: // ESC abandons the line
			r.line = r.line[:0]
			r.state = stateNormal
		case b >= 0x20 && b <= 0x7E:
			r.line = append(r.line, b)
		default:
			// non-printable, non-terminator: dropped
		}
	}
}

// processNormalByte accumulates binary record bytes. A 0x00 with an empty
// buffer opens a frame; a 0x00 with accumulated bytes closes it. CR and LF
// are ordinary COBS output bytes here and are preserved as-is.
func (r *Reader) processNormalByte(b byte) {
	if b == 0x00 {
		if len(r.buf) == 0 {
			// Opening delimiter (or the second of two back-to-back zeros).
			r.receiveStart = time.Now()
			return
		}
		r.closeFrame()
		return
	}
	r.buf = append(r.buf, b)
	if len(r.buf) >= MaxFrameLen {
		if r.cfg.Debug {
			log.Printf("Reassembly buffer overflow, resetting")
		}
		r.buf = r.buf[:0]
	}
}

// closeFrame runs the accumulated inner bytes through COBS decode and
// DecodeInner, then resets the buffer. The closing zero doubles as the next
// frame's opening delimiter when frames share delimiters.
func (r *Reader) closeFrame() {
	processStart := time.Now()
	receiveWait := processStart.Sub(r.receiveStart)

	if r.cfg.Debug {
		log.Printf("RX COBS Frame (%d bytes): %s", len(r.buf), hex.EncodeToString(r.buf))
	}
	inner, err := wire.DecodeCOBS(r.buf)
	if err != nil {
		r.drop(err)
	} else {
		rec, err := DecodeInner(inner)
		if err != nil {
			r.drop(err)
		} else if r.cfg.OnRecord != nil {
			r.cfg.OnRecord(rec, RecordTiming{
				ReceiveWait: receiveWait,
				Process:     time.Since(processStart),
			})
		}
	}
	r.buf = r.buf[:0]
	r.receiveStart = processStart
}

func (r *Reader) drop(err error) {
	if r.cfg.Debug {
		log.Printf("Dropping frame: %v", err)
	}
	if r.cfg.OnDrop != nil {
		r.cfg.OnDrop(err)
	}
}
