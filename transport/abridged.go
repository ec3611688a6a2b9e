// Package transport implements the "abridged" length-prefixed TCP
// framing MTProto uses as its wire transport (spec.md §4.4), grounded
// on the reference implementation's AbridgedTCP and restructured in
// the shape of the teacher's rlpxFrameRW (single connection, mutex-
// guarded read/write, on-demand dial).
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrOverflow is returned when a payload's word count exceeds what the
// abridged header can encode (0x7FFFFF 32-bit words).
var ErrOverflow = errors.New("transport: packet payload too long for abridged framing")

const (
	magicByte   = 0xEF
	maxPacketW  = 0x7FFFFF // max words encodable by the 4-byte header form
	shortHdrMax = 0x7F     // one-byte header covers W < this value
)

// Abridged is a connect-on-demand TCP transport implementing
// MTProto's abridged framing. A single instance wraps one logical TCP
// connection; callers see a byte-oriented Read/Write that hides
// packet boundaries. Not safe for concurrent Read; Write serializes
// internally.
type Abridged struct {
	host string
	port int
	log  zerolog.Logger

	connectMu sync.Mutex
	conn      net.Conn
	sentMagic bool

	// reconnectLimiter throttles dial attempts after a disconnect
	// (spec.md §4.4: "Reconnect-on-demand: lazy"). Without it a busy
	// caller hammering Read/Write across a dead link would redial in a
	// tight loop; one reconnect per second is plenty for a transport
	// the session layer only reaches for lazily.
	reconnectLimiter *rate.Limiter

	writeMu sync.Mutex

	readBuf []byte
}

// NewAbridged constructs a transport targeting host:port. The TCP
// connection itself is not opened until the first Read or Write.
func NewAbridged(host string, port int, log zerolog.Logger) *Abridged {
	return &Abridged{
		host:             host,
		port:             port,
		log:              log,
		reconnectLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (a *Abridged) ensureConnected() error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	if a.conn != nil {
		return nil
	}
	if err := a.reconnectLimiter.Wait(context.Background()); err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", a.host, a.port), 10*time.Second)
	if err != nil {
		return fmt.Errorf("transport: dial %s:%d: %w", a.host, a.port, err)
	}
	a.conn = conn
	a.sentMagic = false
	a.log.Debug().Str("host", a.host).Int("port", a.port).Msg("transport connected")
	return nil
}

// Reset tears down the current TCP connection without touching any
// higher-layer (MTProto session) state. The next Read/Write reconnects
// lazily. Mirrors spec.md §4.4: "A disconnection resets the connection
// but not the MTProto session state above."
func (a *Abridged) Reset() {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.sentMagic = false
	a.readBuf = nil
}

// writePacket writes one abridged-framed packet. data's length must be
// a multiple of 4 bytes (a whole number of 32-bit words).
func (a *Abridged) writePacket(data []byte) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	if !a.sentMagic {
		if _, err := a.conn.Write([]byte{magicByte}); err != nil {
			return err
		}
		a.sentMagic = true
	}

	words := uint32(len(data) / 4)
	var header []byte
	switch {
	case words < shortHdrMax:
		header = []byte{byte(words)}
	case words <= maxPacketW:
		var lenBytes [4]byte
		binary.LittleEndian.PutUint32(lenBytes[:], words)
		header = append([]byte{shortHdrMax}, lenBytes[:3]...)
	default:
		return ErrOverflow
	}
	if _, err := a.conn.Write(header); err != nil {
		return err
	}
	_, err := a.conn.Write(data)
	return err
}

func (a *Abridged) readPacket() ([]byte, error) {
	if err := a.ensureConnected(); err != nil {
		return nil, err
	}
	hdr := make([]byte, 1)
	if _, err := readFull(a.conn, hdr); err != nil {
		return nil, err
	}
	words := uint32(hdr[0])
	if words == shortHdrMax {
		lenBytes := make([]byte, 3)
		if _, err := readFull(a.conn, lenBytes); err != nil {
			return nil, err
		}
		words = uint32(lenBytes[0]) | uint32(lenBytes[1])<<8 | uint32(lenBytes[2])<<16
	}
	payload := make([]byte, words*4)
	if _, err := readFull(a.conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Write sends data to the peer, chunking it transparently into
// packets no larger than 0x7FFFFF words each (spec.md §4.4: "Write
// path transparently chunks long payloads").
func (a *Abridged) Write(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	const maxChunkBytes = maxPacketW * 4
	for len(data) > 0 {
		chunkLen := len(data)
		if chunkLen > maxChunkBytes {
			chunkLen = maxChunkBytes
		}
		if err := a.writePacket(data[:chunkLen]); err != nil {
			return err
		}
		data = data[chunkLen:]
	}
	return nil
}

// Read returns exactly n bytes, coalescing packet boundaries through
// an internal buffer. Callers never observe packet framing.
func (a *Abridged) Read(n int) ([]byte, error) {
	for len(a.readBuf) < n {
		packet, err := a.readPacket()
		if err != nil {
			return nil, err
		}
		a.readBuf = append(a.readBuf, packet...)
	}
	out := a.readBuf[:n]
	a.readBuf = a.readBuf[n:]
	return out, nil
}

// Close shuts down the underlying TCP connection.
func (a *Abridged) Close() error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
