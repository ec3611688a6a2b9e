package session

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nikat/mtproto2json/internal/metrics"
	"github.com/nikat/mtproto2json/mtcrypto"
	"github.com/nikat/mtproto2json/scheme"
	"github.com/nikat/mtproto2json/transport"
	"github.com/nikat/mtproto2json/wire"
)

// Constructor ids this file's fake peer needs that aren't exported by
// scheme; duplicated the same way handshake_test.go does.
const (
	testConsBadServerSaltID uint32 = 0xedab447b
	testConsRPCResultID     uint32 = 0xf35c6d01
	testConsMsgsAckID       uint32 = 0x62d6b459
	testConsRPCErrorID      uint32 = 0x2144ca19
)

// encodeSessionFrame builds the encrypted wire frame a peer sends to a
// Session, using the same layout as Session.sendWrapped but the
// read-direction keys, since Session.readOneFrame decrypts inbound
// frames with write=false (spec.md §6 per-direction key table).
func encodeSessionFrame(authKey []byte, authKeyID, salt, sessionID, msgID int64, seqno int32, body []byte) ([]byte, error) {
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
	key, iv := deriveAESKeyIV(authKey, msgKey, false)
	ige, err := mtcrypto.NewIGE(key, iv)
	if err != nil {
		return nil, err
	}
	encrypted, err := ige.Encrypt(innerBytes)
	if err != nil {
		return nil, err
	}

	out := wire.NewWriter()
	out.Int64LE(authKeyID)
	out.Write(msgKey)
	out.Write(encrypted)
	return out.Bytes(), nil
}

type decodedFrame struct {
	salt, sessionID, msgID int64
	seqno                  int32
	body                   []byte
}

// decodeSessionFrame reverses Session.sendWrapped: the frame a Session
// sends is always encrypted under the write=true keys, so a peer must
// derive the same write=true keys to decrypt it (spec.md §6
// per-direction key table).
func decodeSessionFrame(authKey []byte, frame []byte) (decodedFrame, error) {
	var out decodedFrame
	r := wire.NewReader(frame)
	if _, err := r.Int64LE(); err != nil { // auth_key_id
		return out, err
	}
	msgKey, err := r.Read(16)
	if err != nil {
		return out, err
	}
	key, iv := deriveAESKeyIV(authKey, msgKey, true)
	ige, err := mtcrypto.NewIGE(key, iv)
	if err != nil {
		return out, err
	}
	rest, err := r.Read(r.Len())
	if err != nil {
		return out, err
	}
	plain, err := ige.Decrypt(rest)
	if err != nil {
		return out, err
	}
	pr := wire.NewReader(plain)
	if out.salt, err = pr.Int64LE(); err != nil {
		return out, err
	}
	if out.sessionID, err = pr.Int64LE(); err != nil {
		return out, err
	}
	if out.msgID, err = pr.Int64LE(); err != nil {
		return out, err
	}
	seqno, err := pr.Uint32LE()
	if err != nil {
		return out, err
	}
	out.seqno = int32(seqno)
	bodyLen, err := pr.Uint32LE()
	if err != nil {
		return out, err
	}
	out.body, err = pr.Read(int(bodyLen))
	return out, err
}

func newTestSession(t *testing.T, host string, port int, authKey []byte, authKeyID int64) (*Session, *metrics.Collectors) {
	t.Helper()
	reg := prometheus.NewRegistry()
	mcol := metrics.New(reg)
	tr := transport.NewAbridged(host, port, zerolog.Nop())
	s := New(tr, nil, Options{Metrics: mcol, Log: zerolog.Nop()})
	s.authKey = authKey
	s.authKeyID = authKeyID
	s.serverSalt = 555
	return s, mcol
}

// TestSessionSeqnoStateMachineBadServerSalt exercises spec.md §8
// scenario 5: a first request goes out at seqno 1, the peer replies
// bad_server_salt, the session resubmits the same request at seqno 3,
// and only the eventual rpc_result resolves the call.
func TestSessionSeqnoStateMachineBadServerSalt(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	authKey := testAuthKey()
	const authKeyID = int64(42)

	peerErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			peerErrCh <- err
			return
		}
		defer conn.Close()

		magic := make([]byte, 1)
		if _, err := readFullConn(conn, magic); err != nil {
			peerErrCh <- err
			return
		}

		packet, err := readTestAbridgedPacket(conn)
		if err != nil {
			peerErrCh <- err
			return
		}
		first, err := decodeSessionFrame(authKey, packet)
		if err != nil {
			peerErrCh <- err
			return
		}
		if first.seqno != 1 {
			peerErrCh <- errf("expected first request at seqno 1, got %d", first.seqno)
			return
		}

		saltW := wire.NewWriter()
		saltW.Uint32LE(testConsBadServerSaltID)
		saltW.Int64LE(first.msgID)
		saltW.Uint32LE(uint32(first.seqno))
		saltW.Uint32LE(48)
		saltW.Int64LE(777)
		// frame-level seqno 0 (even, unused by the client) so this
		// reply does not bump the shared high-water counter past 1 and
		// skew the resubmission's expected seqno of 3.
		saltFrame, err := encodeSessionFrame(authKey, authKeyID, 555, first.sessionID, 9001, 0, saltW.Bytes())
		if err != nil {
			peerErrCh <- err
			return
		}
		if err := writeTestAbridgedPacket(conn, saltFrame); err != nil {
			peerErrCh <- err
			return
		}

		packet, err = readTestAbridgedPacket(conn)
		if err != nil {
			peerErrCh <- err
			return
		}
		second, err := decodeSessionFrame(authKey, packet)
		if err != nil {
			peerErrCh <- err
			return
		}
		if second.msgID != first.msgID {
			peerErrCh <- errf("resubmission changed msg_id: %d != %d", second.msgID, first.msgID)
			return
		}
		if second.seqno != 3 {
			peerErrCh <- errf("expected resubmission at seqno 3, got %d", second.seqno)
			return
		}

		resultW := wire.NewWriter()
		resultW.Uint32LE(testConsRPCResultID)
		resultW.Int64LE(second.msgID)
		resultW.Uint32LE(testConsMsgsAckID)
		resultW.Uint32LE(0x1cb5c415) // vector long
		resultW.Uint32LE(0)
		resultFrame, err := encodeSessionFrame(authKey, authKeyID, 555, first.sessionID, 9002, 102, resultW.Bytes())
		if err != nil {
			peerErrCh <- err
			return
		}
		peerErrCh <- writeTestAbridgedPacket(conn, resultFrame)
	}()

	host, port := splitTestHostPort(t, ln.Addr().String())
	s, _ := newTestSession(t, host, port, authKey, authKeyID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	result, err := s.Call(ctx, []byte{0xAA})
	require.NoError(t, err)
	_, ok := result.(scheme.MsgsAck)
	require.True(t, ok)

	require.NoError(t, <-peerErrCh)
}

// TestSessionFloodWaitDelaysResubmission exercises spec.md §8 scenario
// 6: an rpc_error FLOOD_WAIT_N resolves into a shared gate, and the
// original request is not retried until that window clears.
func TestSessionFloodWaitDelaysResubmission(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	authKey := testAuthKey()
	const authKeyID = int64(7)
	const floodSeconds = 1 // kept small for test runtime; 2*N second gate

	peerErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			peerErrCh <- err
			return
		}
		defer conn.Close()

		magic := make([]byte, 1)
		if _, err := readFullConn(conn, magic); err != nil {
			peerErrCh <- err
			return
		}

		packet, err := readTestAbridgedPacket(conn)
		if err != nil {
			peerErrCh <- err
			return
		}
		first, err := decodeSessionFrame(authKey, packet)
		if err != nil {
			peerErrCh <- err
			return
		}

		errW := wire.NewWriter()
		errW.Uint32LE(testConsRPCResultID)
		errW.Int64LE(first.msgID)
		errW.Uint32LE(testConsRPCErrorID)
		errW.Uint32LE(420)
		if err := errW.ShortString([]byte("FLOOD_WAIT_1")); err != nil {
			peerErrCh <- err
			return
		}
		errFrame, err := encodeSessionFrame(authKey, authKeyID, 555, first.sessionID, 9101, 100, errW.Bytes())
		if err != nil {
			peerErrCh <- err
			return
		}
		sentAt := time.Now()
		if err := writeTestAbridgedPacket(conn, errFrame); err != nil {
			peerErrCh <- err
			return
		}

		packet, err = readTestAbridgedPacket(conn)
		if err != nil {
			peerErrCh <- err
			return
		}
		elapsed := time.Since(sentAt)
		if elapsed < floodSeconds*2*time.Second-200*time.Millisecond {
			peerErrCh <- errf("resubmission arrived too early: %s", elapsed)
			return
		}
		second, err := decodeSessionFrame(authKey, packet)
		if err != nil {
			peerErrCh <- err
			return
		}
		if second.msgID != first.msgID {
			peerErrCh <- errf("flood-wait resubmission changed msg_id: %d != %d", second.msgID, first.msgID)
			return
		}

		resultW := wire.NewWriter()
		resultW.Uint32LE(testConsRPCResultID)
		resultW.Int64LE(second.msgID)
		resultW.Uint32LE(testConsMsgsAckID)
		resultW.Uint32LE(0x1cb5c415)
		resultW.Uint32LE(0)
		resultFrame, err := encodeSessionFrame(authKey, authKeyID, 555, first.sessionID, 9102, 102, resultW.Bytes())
		if err != nil {
			peerErrCh <- err
			return
		}
		peerErrCh <- writeTestAbridgedPacket(conn, resultFrame)
	}()

	host, port := splitTestHostPort(t, ln.Addr().String())
	s, mcol := newTestSession(t, host, port, authKey, authKeyID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	result, err := s.Call(ctx, []byte{0xBB})
	require.NoError(t, err)
	_, ok := result.(scheme.MsgsAck)
	require.True(t, ok)

	require.NoError(t, <-peerErrCh)
	require.NotNil(t, mcol)
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
