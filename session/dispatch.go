package session

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nikat/mtproto2json/mtcrypto"
	"github.com/nikat/mtproto2json/scheme"
	"github.com/nikat/mtproto2json/wire"
)

// badMsgSeqnoDesync is the error code bad_msg_notification uses for a
// seqno desync while the session is unstable (spec.md §4.7).
const badMsgSeqnoDesync int32 = 32

// floodWaitPrefix is the RPCError message prefix that triggers the
// shared flood-wait gate (spec.md §4.7/§4.8): "FLOOD_WAIT_<N>".
const floodWaitPrefix = "FLOOD_WAIT_"

// readLoop is the session's single inbound reader: one auth_key_id
// check, one AES-IGE unwrap, one scheme decode, then dispatch. It owns
// readMessageLock for the duration of each frame so concurrent Calls
// never race the read path (spec.md §5).
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.readOneFrame(); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("session: inbound frame failed")
			return
		}
	}
}

func (s *Session) readOneFrame() error {
	s.readMessageLock.Lock()
	defer s.readMessageLock.Unlock()

	header, err := s.tr.Read(24)
	if err != nil {
		return err
	}
	r := wire.NewReader(header)
	authKeyID, err := r.Int64LE()
	if err != nil {
		return err
	}
	msgKey, err := r.Read(16)
	if err != nil {
		return err
	}

	s.mu.Lock()
	localID := s.authKeyID
	authKey := s.authKey
	s.mu.Unlock()
	if authKeyID != localID {
		return ErrUnknownAuthKey
	}

	key, iv := deriveAESKeyIV(authKey, msgKey, false)
	ige, err := mtcrypto.NewIGE(key, iv)
	if err != nil {
		return err
	}
	dec := mtcrypto.NewStreamDecryptor(ige, s.tr.Read)

	if _, err := dec.Read(8); err != nil { // salt, not re-verified per message
		return err
	}
	if _, err := dec.Read(8); err != nil { // session_id
		return err
	}
	msgID, err := readInt64Stream(dec)
	if err != nil {
		return err
	}
	seqno, err := readUint32Stream(dec)
	if err != nil {
		return err
	}
	bodyLen, err := readUint32Stream(dec)
	if err != nil {
		return err
	}
	body, err := dec.Read(int(bodyLen))
	if err != nil {
		return err
	}

	s.seqno.observeInbound(int32(seqno))
	if seqno%2 == 1 {
		s.acks.add(msgID)
	}

	msg, err := scheme.DecodeTopLevel(body)
	if err != nil {
		return err
	}
	s.dispatch(msg, msgID)
	s.flushAcksIfDue(context.Background())
	return nil
}

func readInt64Stream(src scheme.ByteSource) (int64, error) {
	b, err := src.Read(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return int64(v), nil
}

func readUint32Stream(src scheme.ByteSource) (uint32, error) {
	b, err := src.Read(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// dispatch implements the inbound dispatch table of spec.md §4.7.
func (s *Session) dispatch(msg scheme.Message, msgID int64) {
	switch m := msg.(type) {
	case scheme.NewSessionCreated:
		// no-op

	case scheme.MsgsAck:
		// no-op; the server is acknowledging our sends

	case scheme.BadServerSalt:
		s.mu.Lock()
		s.serverSalt = m.NewServerSalt
		s.stable = false
		s.mu.Unlock()
		s.resendPending(m.BadMsgID)

	case scheme.BadMsgNotification:
		if m.ErrorCode == badMsgSeqnoDesync {
			s.mu.Lock()
			unstable := !s.stable
			s.mu.Unlock()
			if unstable {
				delta := s.seqno.doubleIncrement()
				s.seqno.advance(delta)
			}
		}
		s.resendPending(m.BadMsgID)

	case scheme.RPCResult:
		s.dispatchRPCResult(m)

	case scheme.MsgContainer:
		for _, inner := range m.Messages {
			s.seqno.observeInbound(inner.Seqno)
			if inner.Seqno%2 == 1 {
				s.acks.add(inner.MsgID)
			}
			s.dispatch(inner.Body, inner.MsgID)
		}

	case scheme.GzipPacked:
		inner, err := gunzip(m.PackedData)
		if err != nil {
			s.log.Warn().Err(err).Msg("session: gzip_packed payload rejected")
			return
		}
		decoded, err := scheme.DecodeTopLevel(inner)
		if err != nil {
			s.log.Warn().Err(err).Msg("session: gzip_packed inner message malformed")
			return
		}
		s.dispatch(decoded, msgID)

	default:
		select {
		case s.push <- msg:
		default:
			s.log.Warn().Msg("session: push channel full, dropping message")
		}
	}
}

func (s *Session) dispatchRPCResult(m scheme.RPCResult) {
	if rpcErr, ok := m.Result.(scheme.RPCError); ok {
		if n, ok := parseFloodWaitSeconds(rpcErr.ErrorMessage); ok {
			if s.metrics != nil {
				s.metrics.FloodWaitEngaged.Inc()
			}
			s.flood.engage(2 * time.Duration(n) * time.Second)
			reqMsgID := m.ReqMsgID
			go func() {
				_ = s.flood.wait(context.Background())
				s.resendPending(reqMsgID)
			}()
			return
		}
		s.setStable(true)
		s.pending.resolve(m.ReqMsgID, pendingResult{err: rpcErrorAsError(rpcErr)})
		return
	}

	result := m.Result
	if gz, ok := result.(scheme.GzipPacked); ok {
		inner, err := gunzip(gz.PackedData)
		if err != nil {
			s.pending.resolve(m.ReqMsgID, pendingResult{err: err})
			return
		}
		decoded, err := scheme.DecodeTopLevel(inner)
		if err != nil {
			s.pending.resolve(m.ReqMsgID, pendingResult{err: err})
			return
		}
		result = decoded
	}

	s.setStable(true)
	s.pending.resolve(m.ReqMsgID, pendingResult{result: result})
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// parseFloodWaitSeconds extracts N from an RPCError message of the
// form "FLOOD_WAIT_<N>" (spec.md §4.8).
func parseFloodWaitSeconds(msg string) (int, bool) {
	if !strings.HasPrefix(msg, floodWaitPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(msg, floodWaitPrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// rpcErrorAsError adapts a decoded RPCError into the standard error
// interface so non-flood-wait failures surface through Call's error
// return rather than its result value.
type rpcError struct {
	scheme.RPCError
}

func (e rpcError) Error() string {
	return "session: rpc error " + strconv.Itoa(int(e.ErrorCode)) + ": " + e.ErrorMessage
}

func rpcErrorAsError(e scheme.RPCError) error { return rpcError{e} }
