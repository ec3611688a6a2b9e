// Package session implements the MTProto session layer (spec.md §4.7):
// message-ID minting, per-direction sequence numbers, AES-IGE
// wrapping/unwrapping of frames, auth-key-id routing, the RPC
// correlation table, acknowledgement batching, and the recovery state
// machine (bad_server_salt, bad_msg_notification, flood-wait).
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nikat/mtproto2json/internal/metrics"
	"github.com/nikat/mtproto2json/internal/workerpool"
	"github.com/nikat/mtproto2json/mtcrypto"
	"github.com/nikat/mtproto2json/scheme"
	"github.com/nikat/mtproto2json/transport"
	"github.com/nikat/mtproto2json/wire"
)

// Session is one logical MTProto session over one Abridged transport.
// Not safe for concurrent Close calls; otherwise its exported methods
// are safe to call from multiple goroutines.
type Session struct {
	tr        *transport.Abridged
	serverKey *mtcrypto.PublicKey
	pool      *workerpool.Pool
	hs        *handshakeGroup
	metrics   *metrics.Collectors
	log       zerolog.Logger

	// readMessageLock serializes header decoding on the inbound path
	// (spec.md §5 "three per-session mutexes").
	readMessageLock sync.Mutex

	mu         sync.Mutex
	authKey    []byte
	authKeyID  int64
	sessionID  int64
	serverSalt int64
	stable     bool

	seqno   *seqnoAllocator
	msgIDs  *msgIDAllocator
	pending *pendingTable
	acks    *ackBuffer
	flood   *floodGate

	push chan scheme.Message

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a new Session.
type Options struct {
	Pool               *workerpool.Pool
	Metrics            *metrics.Collectors
	Log                zerolog.Logger
	SeparateSeqnoCounters bool // spec.md §9 open question; default false mirrors the shared-counter behavior
	PushBuffer         int
}

// New constructs a Session over tr, trusting serverKey for the
// handshake. The handshake itself is not performed until Connect.
func New(tr *transport.Abridged, serverKey *mtcrypto.PublicKey, opts Options) *Session {
	if opts.Pool == nil {
		opts.Pool = workerpool.New(3)
	}
	if opts.PushBuffer <= 0 {
		opts.PushBuffer = 64
	}
	return &Session{
		tr:        tr,
		serverKey: serverKey,
		pool:      opts.Pool,
		hs:        newHandshakeGroup(opts.Pool),
		metrics:   opts.Metrics,
		log:       opts.Log,
		seqno:     newSeqnoAllocator(opts.SeparateSeqnoCounters),
		msgIDs:    newMsgIDAllocator(),
		pending:   newPendingTable(),
		acks:      newAckBuffer(),
		flood:     newFloodGate(),
		push:      make(chan scheme.Message, opts.PushBuffer),
	}
}

// Push returns the out-of-band channel messages not otherwise
// recognized by the dispatch table are delivered on (spec.md §4.7
// dispatch table, "anything else").
func (s *Session) Push() <-chan scheme.Message { return s.push }

// Connect performs the handshake if no auth_key is yet established,
// assigns a random SessionId if one was not restored, and starts the
// inbound read loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	hasKey := len(s.authKey) != 0
	s.mu.Unlock()

	if !hasKey {
		start := time.Now()
		material, err := s.hs.run(ctx, s.tr, s.serverKey)
		if err != nil {
			return fmt.Errorf("session: handshake: %w", err)
		}
		if s.metrics != nil {
			s.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
		}
		s.mu.Lock()
		s.authKey = material.AuthKey
		s.authKeyID = material.AuthKeyID
		s.serverSalt = material.ServerSalt
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.sessionID == 0 {
		id, err := mtcrypto.RandomBytes(8)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.sessionID = int64(leUint64(id))
	}
	s.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.readLoop(readCtx)
	return nil
}

// Close tears down the inbound read loop and the transport. Auth key
// material is retained; a fresh Session constructed with the same key
// (via ExportState/RestoreState) can resume without re-handshaking.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.pending.disconnectAll()
	return s.tr.Close()
}

// ExportState returns the persisted session state of spec.md §6: a
// base64-encoded auth_key and the session id.
func (s *Session) ExportState() (authKeyBase64 string, sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return base64.StdEncoding.EncodeToString(s.authKey), s.sessionID
}

// RestoreState reloads a previously exported auth_key/session_id pair
// into a fresh Session, skipping the handshake on the next Connect.
func (s *Session) RestoreState(authKeyBase64 string, sessionID int64) error {
	key, err := base64.StdEncoding.DecodeString(authKeyBase64)
	if err != nil {
		return fmt.Errorf("session: restore state: %w", err)
	}
	digest := mtcrypto.SHA1(key)
	s.mu.Lock()
	s.authKey = key
	s.authKeyID = int64(leUint64(digest[12:20]))
	s.sessionID = sessionID
	s.mu.Unlock()
	return nil
}

// Call performs one RPC: flushes pending acks, waits out any active
// flood-wait gate, allocates a msg_id and an odd seqno, registers a
// PendingRequest, sends the wrapped message, and awaits its
// resolution (spec.md §4.7 "RPC correlation").
func (s *Session) Call(ctx context.Context, body []byte) (scheme.Message, error) {
	start := time.Now()
	s.flushAcksIfDue(ctx)
	if err := s.flood.wait(ctx); err != nil {
		return nil, err
	}

	msgID, err := s.msgIDs.next()
	if err != nil {
		return nil, err
	}
	seqno := s.seqno.nextOdd()

	p := s.pending.register(msgID, body)
	if s.metrics != nil {
		s.metrics.PendingRequests.Set(float64(s.pending.len()))
	}
	if err := s.sendWrapped(msgID, seqno, body); err != nil {
		s.pending.resolve(msgID, pendingResult{err: err})
	}

	select {
	case res := <-p.completion:
		if s.metrics != nil {
			s.metrics.PendingRequests.Set(float64(s.pending.len()))
			s.metrics.RPCLatency.Observe(time.Since(start).Seconds())
		}
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendWrapped builds message_inner_data{salt, session_id, msg_id,
// seqno, body} and writes it AES-IGE-wrapped under the write-direction
// key derived from msgKey (spec.md §4.7 "Outbound").
func (s *Session) sendWrapped(msgID int64, seqno int64, body []byte) error {
	s.mu.Lock()
	authKey := s.authKey
	authKeyID := s.authKeyID
	salt := s.serverSalt
	sessionID := s.sessionID
	s.mu.Unlock()

	inner := wire.NewWriter()
	inner.Int64LE(salt)
	inner.Int64LE(sessionID)
	inner.Int64LE(msgID)
	inner.Uint32LE(uint32(seqno))
	inner.Uint32LE(uint32(len(body)))
	inner.Write(body)
	innerBytes := inner.Bytes()

	digest := mtcrypto.SHA1(innerBytes)
	msgKey := digest[4:20]

	key, iv := deriveAESKeyIV(authKey, msgKey, true)
	ige, err := mtcrypto.NewIGE(key, iv)
	if err != nil {
		return err
	}
	// AES-IGE over an already-assembled in-memory buffer is exactly the
	// CPU-bound work spec.md §5 wants off the caller's own goroutine.
	result, err := s.pool.Submit(context.Background(), func() (any, error) {
		return ige.Encrypt(innerBytes)
	})
	if err != nil {
		return err
	}
	encrypted := result.([]byte)

	out := wire.NewWriter()
	out.Int64LE(authKeyID)
	out.Write(msgKey)
	out.Write(encrypted)
	return s.tr.Write(out.Bytes())
}

// resendPending re-sends an already-registered pending request's body
// under a freshly allocated seqno, keeping the same msg_id (and thus
// the same PendingRequest map entry) so the caller's original Call
// still resolves (spec.md §4.7 resubmission on bad_server_salt /
// bad_msg_notification / FLOOD_WAIT_N).
func (s *Session) resendPending(msgID int64) {
	p, ok := s.pending.get(msgID)
	if !ok {
		return
	}
	seqno := s.seqno.nextOdd()
	if err := s.sendWrapped(msgID, seqno, p.body); err != nil {
		s.pending.resolve(msgID, pendingResult{err: err})
	}
}

// flushAcksIfDue issues a single msgs_ack at the next even seqno if
// the buffer meets the size/age threshold and the session is stable
// (spec.md §4.7 "Ack flushing").
func (s *Session) flushAcksIfDue(ctx context.Context) {
	s.mu.Lock()
	stable := s.stable
	s.mu.Unlock()
	if !stable || !s.acks.shouldFlush() {
		return
	}
	ids := s.acks.drain()
	if len(ids) == 0 {
		return
	}
	seqno := s.seqno.nextEven()
	ackMsgID, err := s.msgIDs.next()
	if err != nil {
		return
	}
	_ = s.sendWrapped(ackMsgID, seqno, scheme.EncodeMsgsAck(ids))
	if s.metrics != nil {
		s.metrics.AckFlushes.Inc()
	}
}

func (s *Session) setStable(v bool) {
	s.mu.Lock()
	s.stable = v
	s.mu.Unlock()
}
