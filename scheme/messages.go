package scheme

import (
	"errors"

	"github.com/nikat/mtproto2json/wire"
)

// ErrShortMessage is returned when a ByteSource yields fewer bytes
// than a constructor's fixed-size fields require.
var ErrShortMessage = errors.New("scheme: truncated message")

// Message is the closed set of MTProto service constructors the
// session layer dispatches on directly (spec.md §9 "Dynamic message
// shapes": re-architected from a dynamic constructor-name comparison
// into a sum type). Every variant below implements Message through an
// unexported marker method; a type switch in session/dispatch.go
// replaces the source's string-equality checks.
type Message interface {
	isMessage()
}

// Constructor ids, little-endian on the wire, as published by the
// MTProto TL schema. Only the subset this package decodes/encodes is
// listed.
const (
	consReqPQ              uint32 = 0x60469778
	consResPQ              uint32 = 0x05162463
	consPQInnerData        uint32 = 0x83c95aec
	consReqDHParams        uint32 = 0xd712e4be
	consServerDHParamsOk   uint32 = 0xd0e8075c
	consServerDHParamsFail uint32 = 0x79cb045d
	consServerDHInnerData  uint32 = 0xb5890dba
	consClientDHInnerData  uint32 = 0x6643b654
	consSetClientDHParams  uint32 = 0xf5045f1f
	consDHGenOk            uint32 = 0x3bcbf734
	consDHGenRetry         uint32 = 0x46dc1fb9
	consDHGenFail          uint32 = 0xa69dae02
	consNewSessionCreated  uint32 = 0x9ec20908
	consMsgsAck            uint32 = 0x62d6b459
	consBadServerSalt      uint32 = 0xedab447b
	consBadMsgNotification uint32 = 0xa7eff811
	consRPCResult          uint32 = 0xf35c6d01
	consRPCError           uint32 = 0x2144ca19
	consMsgContainer       uint32 = 0x73f1f8dc
	consGzipPacked         uint32 = 0x3072cfa1
	consVectorLong         uint32 = 0x1cb5c415
)

type nonce16 = [16]byte
type nonce32 = [32]byte

// ResPQ is the server's reply to req_pq (spec.md §4.5 step 1).
type ResPQ struct {
	Nonce                      nonce16
	ServerNonce                nonce16
	PQ                         []byte
	ServerPublicKeyFingerprints []int64
}

func (ResPQ) isMessage() {}

// PQInnerData is the inner payload RSA-encrypted in req_DH_params.
type PQInnerData struct {
	PQ          []byte
	P           []byte
	Q           []byte
	Nonce       nonce16
	ServerNonce nonce16
	NewNonce    nonce32
}

func (PQInnerData) isMessage() {}

// ServerDHParamsOk carries server_DH_inner_data, AES-IGE-encrypted
// (with hash) under the temporary key/iv derived from the nonces.
type ServerDHParamsOk struct {
	Nonce           nonce16
	ServerNonce     nonce16
	EncryptedAnswer []byte
}

func (ServerDHParamsOk) isMessage() {}

// ServerDHParamsFail is returned when the server rejects req_DH_params.
type ServerDHParamsFail struct {
	Nonce         nonce16
	ServerNonce   nonce16
	NewNonceHash  nonce16
}

func (ServerDHParamsFail) isMessage() {}

// ServerDHInnerData is the decrypted body of ServerDHParamsOk.
type ServerDHInnerData struct {
	Nonce       nonce16
	ServerNonce nonce16
	G           int32
	DHPrime     []byte
	GA          []byte
	ServerTime  int32
}

func (ServerDHInnerData) isMessage() {}

// ClientDHInnerData is the client's half of the DH exchange, encrypted
// under the same tmp_key/tmp_iv as ServerDHInnerData (fresh IGE state).
type ClientDHInnerData struct {
	Nonce       nonce16
	ServerNonce nonce16
	RetryID     int64
	GB          []byte
}

func (ClientDHInnerData) isMessage() {}

// DHGenOk confirms the handshake; DHGenRetry/DHGenFail fail it
// (spec.md §4.5 step 4; retry logic is explicitly not required).
type DHGenOk struct {
	Nonce          nonce16
	ServerNonce    nonce16
	NewNonceHash1  nonce16
}

func (DHGenOk) isMessage() {}

type DHGenRetry struct {
	Nonce          nonce16
	ServerNonce    nonce16
	NewNonceHash2  nonce16
}

func (DHGenRetry) isMessage() {}

type DHGenFail struct {
	Nonce          nonce16
	ServerNonce    nonce16
	NewNonceHash3  nonce16
}

func (DHGenFail) isMessage() {}

// NewSessionCreated: a no-op for this client (spec.md §4.7 dispatch
// table), kept only so the type switch is exhaustive.
type NewSessionCreated struct {
	FirstMsgID int64
	UniqueID   int64
	ServerSalt int64
}

func (NewSessionCreated) isMessage() {}

// MsgsAck is both an inbound no-op and the shape the session sends
// during ack flush.
type MsgsAck struct {
	MsgIDs []int64
}

func (MsgsAck) isMessage() {}

// BadServerSalt carries a replacement server_salt; receipt marks the
// session's seqno unstable (spec.md §4.7).
type BadServerSalt struct {
	BadMsgID      int64
	BadMsgSeqno   int32
	ErrorCode     int32
	NewServerSalt int64
}

func (BadServerSalt) isMessage() {}

// BadMsgNotification signals a seqno desync; error code 32 while
// unstable triggers the seqno_increment doubling (spec.md §4.7).
type BadMsgNotification struct {
	BadMsgID    int64
	BadMsgSeqno int32
	ErrorCode   int32
}

func (BadMsgNotification) isMessage() {}

// RPCResult pairs a request's msg_id with its result body. Result may
// itself be an RPCError, in which case the dispatch table checks for
// the FLOOD_WAIT_N prefix (spec.md §4.7).
type RPCResult struct {
	ReqMsgID int64
	Result   Message
}

func (RPCResult) isMessage() {}

type RPCError struct {
	ErrorCode    int32
	ErrorMessage string
}

func (RPCError) isMessage() {}

// ContainerMessage is one entry of a MsgContainer.
type ContainerMessage struct {
	MsgID int64
	Seqno int32
	Bytes uint32
	Body  Message
}

// MsgContainer bundles several messages for delivery in one frame
// (spec.md §4.7 step 3: "recursively process each inner message").
type MsgContainer struct {
	Messages []ContainerMessage
}

func (MsgContainer) isMessage() {}

// GzipPacked wraps a gzip-compressed inner body (spec.md §4.7 step 2).
type GzipPacked struct {
	PackedData []byte
}

func (GzipPacked) isMessage() {}

// Opaque is the fallback for any constructor outside the closed set
// this package understands: it flows through to the session's
// out-of-band push channel unexamined (spec.md §9).
type Opaque struct {
	Cons uint32
	Body []byte
}

func (Opaque) isMessage() {}

func readNonce16(src ByteSource) (nonce16, error) {
	var n nonce16
	b, err := src.Read(16)
	if err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}

func readNonce32(src ByteSource) (nonce32, error) {
	var n nonce32
	b, err := src.Read(32)
	if err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}

func readUint32(src ByteSource) (uint32, error) {
	b, err := src.Read(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func readInt64(src ByteSource) (int64, error) {
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

// readTLBytes reads the TL "bytes"/"string" type, which is exactly
// the short-string binary codec of spec.md §4.1. Buffers enough bytes
// from src to hand to a wire.Reader, since ByteSource only exposes
// pull-style Read(n) and the encoded length is not known up front.
func readTLBytes(src ByteSource) ([]byte, error) {
	lenByte, err := src.Read(1)
	if err != nil {
		return nil, err
	}
	var length int
	consumed := 1
	switch {
	case lenByte[0] == 0xFF:
		return nil, wire.ErrMalformed
	case lenByte[0] == 0xFE:
		ext, err := src.Read(3)
		if err != nil {
			return nil, err
		}
		length = int(ext[0]) | int(ext[1])<<8 | int(ext[2])<<16
		consumed += 3
	default:
		length = int(lenByte[0])
	}
	payload, err := src.Read(length)
	if err != nil {
		return nil, err
	}
	consumed += length
	if pad := (4 - consumed%4) % 4; pad > 0 {
		if _, err := src.Read(pad); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func readVectorInt64(src ByteSource) ([]int64, error) {
	id, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	if id != consVectorLong {
		return nil, ErrUnknownConstructor
	}
	count, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	out := make([]int64, count)
	for i := range out {
		v, err := readInt64(src)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// readMessage decodes one Message from src. When isBoxed is false the
// caller's paramType pins the expected shape; otherwise the leading
// constructor id selects the variant. Unlike DecodeTopLevel, an
// unrecognized id here is a hard error — callers that know their nested
// field is the last thing left in src (RPCResult.Result, a bounded
// MsgContainer entry) recover the id themselves and fall back to Opaque;
// see readRPCResultBody and readMsgContainerBody.
func readMessage(src ByteSource, isBoxed bool, paramType string) (Message, error) {
	if !isBoxed {
		return readMessageForType(src, paramType)
	}

	id, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	return readMessageForConstructor(id, src)
}

// readMessageForConstructor dispatches on an already-consumed
// constructor id. Split out of readMessage so callers decoding a
// nested boxed field (RPCResult.Result) can recover the id and fall
// back to Opaque themselves when it isn't one of these (spec.md §9).
func readMessageForConstructor(id uint32, src ByteSource) (Message, error) {
	switch id {
	case consResPQ:
		return readResPQBody(src)
	case consServerDHParamsOk:
		return readServerDHParamsOkBody(src)
	case consServerDHParamsFail:
		return readServerDHParamsFailBody(src)
	case consServerDHInnerData:
		return readServerDHInnerDataBody(src)
	case consDHGenOk:
		return readDHGenOkBody(src)
	case consDHGenRetry:
		return readDHGenRetryBody(src)
	case consDHGenFail:
		return readDHGenFailBody(src)
	case consNewSessionCreated:
		return readNewSessionCreatedBody(src)
	case consMsgsAck:
		return readMsgsAckBody(src)
	case consBadServerSalt:
		return readBadServerSaltBody(src)
	case consBadMsgNotification:
		return readBadMsgNotificationBody(src)
	case consRPCResult:
		return readRPCResultBody(src)
	case consRPCError:
		return readRPCErrorBody(src)
	case consMsgContainer:
		return readMsgContainerBody(src)
	case consGzipPacked:
		return readGzipPackedBody(src)
	default:
		return nil, ErrUnknownConstructor
	}
}

func readMessageForType(src ByteSource, paramType string) (Message, error) {
	switch paramType {
	case "server_DH_inner_data":
		return readServerDHInnerDataBody(src)
	default:
		return readMessage(src, true, "")
	}
}

func readResPQBody(src ByteSource) (Message, error) {
	nonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	serverNonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	pq, err := readTLBytes(src)
	if err != nil {
		return nil, err
	}
	fps, err := readVectorInt64(src)
	if err != nil {
		return nil, err
	}
	return ResPQ{Nonce: nonce, ServerNonce: serverNonce, PQ: pq, ServerPublicKeyFingerprints: fps}, nil
}

func readServerDHParamsOkBody(src ByteSource) (Message, error) {
	nonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	serverNonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	answer, err := readTLBytes(src)
	if err != nil {
		return nil, err
	}
	return ServerDHParamsOk{Nonce: nonce, ServerNonce: serverNonce, EncryptedAnswer: answer}, nil
}

func readServerDHParamsFailBody(src ByteSource) (Message, error) {
	nonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	serverNonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	hash, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	return ServerDHParamsFail{Nonce: nonce, ServerNonce: serverNonce, NewNonceHash: hash}, nil
}

func readServerDHInnerDataBody(src ByteSource) (Message, error) {
	nonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	serverNonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	g, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	dhPrime, err := readTLBytes(src)
	if err != nil {
		return nil, err
	}
	gA, err := readTLBytes(src)
	if err != nil {
		return nil, err
	}
	serverTime, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	return ServerDHInnerData{
		Nonce: nonce, ServerNonce: serverNonce, G: int32(g),
		DHPrime: dhPrime, GA: gA, ServerTime: int32(serverTime),
	}, nil
}

func readDHGenOkBody(src ByteSource) (Message, error) {
	nonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	serverNonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	hash, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	return DHGenOk{Nonce: nonce, ServerNonce: serverNonce, NewNonceHash1: hash}, nil
}

func readDHGenRetryBody(src ByteSource) (Message, error) {
	nonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	serverNonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	hash, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	return DHGenRetry{Nonce: nonce, ServerNonce: serverNonce, NewNonceHash2: hash}, nil
}

func readDHGenFailBody(src ByteSource) (Message, error) {
	nonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	serverNonce, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	hash, err := readNonce16(src)
	if err != nil {
		return nil, err
	}
	return DHGenFail{Nonce: nonce, ServerNonce: serverNonce, NewNonceHash3: hash}, nil
}

func readNewSessionCreatedBody(src ByteSource) (Message, error) {
	first, err := readInt64(src)
	if err != nil {
		return nil, err
	}
	unique, err := readInt64(src)
	if err != nil {
		return nil, err
	}
	salt, err := readInt64(src)
	if err != nil {
		return nil, err
	}
	return NewSessionCreated{FirstMsgID: first, UniqueID: unique, ServerSalt: salt}, nil
}

func readMsgsAckBody(src ByteSource) (Message, error) {
	ids, err := readVectorInt64(src)
	if err != nil {
		return nil, err
	}
	return MsgsAck{MsgIDs: ids}, nil
}

func readBadServerSaltBody(src ByteSource) (Message, error) {
	badMsgID, err := readInt64(src)
	if err != nil {
		return nil, err
	}
	badSeqno, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	errCode, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	newSalt, err := readInt64(src)
	if err != nil {
		return nil, err
	}
	return BadServerSalt{
		BadMsgID: badMsgID, BadMsgSeqno: int32(badSeqno),
		ErrorCode: int32(errCode), NewServerSalt: newSalt,
	}, nil
}

func readBadMsgNotificationBody(src ByteSource) (Message, error) {
	badMsgID, err := readInt64(src)
	if err != nil {
		return nil, err
	}
	badSeqno, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	errCode, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	return BadMsgNotification{BadMsgID: badMsgID, BadMsgSeqno: int32(badSeqno), ErrorCode: int32(errCode)}, nil
}

func readRPCResultBody(src ByteSource) (Message, error) {
	reqMsgID, err := readInt64(src)
	if err != nil {
		return nil, err
	}
	id, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	result, err := readMessageForConstructor(id, src)
	if err == ErrUnknownConstructor {
		// Result is always the last field of an rpc_result, whether
		// this is the whole decrypted body or one bounded
		// msg_container entry, so whatever is left in src belongs to
		// it entirely: same Opaque fallback DecodeTopLevel gives a
		// top-level message, recovered here since readMessage can't
		// apply it to a nested field on its own (spec.md §9).
		if lr, ok := src.(interface{ Len() int }); ok {
			body, rerr := src.Read(lr.Len())
			if rerr == nil {
				return RPCResult{ReqMsgID: reqMsgID, Result: Opaque{Cons: id, Body: body}}, nil
			}
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return RPCResult{ReqMsgID: reqMsgID, Result: result}, nil
}

func readRPCErrorBody(src ByteSource) (Message, error) {
	code, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	msg, err := readTLBytes(src)
	if err != nil {
		return nil, err
	}
	return RPCError{ErrorCode: int32(code), ErrorMessage: string(msg)}, nil
}

func readMsgContainerBody(src ByteSource) (Message, error) {
	count, err := readUint32(src)
	if err != nil {
		return nil, err
	}
	msgs := make([]ContainerMessage, count)
	for i := range msgs {
		msgID, err := readInt64(src)
		if err != nil {
			return nil, err
		}
		seqno, err := readUint32(src)
		if err != nil {
			return nil, err
		}
		size, err := readUint32(src)
		if err != nil {
			return nil, err
		}
		raw, err := src.Read(int(size))
		if err != nil {
			return nil, err
		}
		// Each entry's own "bytes" field bounds it exactly, so an
		// unrecognized constructor here can fall back to Opaque
		// through the same path a top-level message would, without
		// losing the other entries in this container (spec.md §9).
		body, err := DecodeTopLevel(raw)
		if err != nil {
			return nil, err
		}
		msgs[i] = ContainerMessage{MsgID: msgID, Seqno: int32(seqno), Bytes: size, Body: body}
	}
	return MsgContainer{Messages: msgs}, nil
}

func readGzipPackedBody(src ByteSource) (Message, error) {
	packed, err := readTLBytes(src)
	if err != nil {
		return nil, err
	}
	return GzipPacked{PackedData: packed}, nil
}

// readMessageFromBytes decodes a single self-contained object,
// verifying there is no trailing data (ReadFromString semantics).
func readMessageFromBytes(data []byte) (Message, error) {
	r := wire.NewReader(data)
	msg, err := readMessage(r, true, "")
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, wire.ErrTrailingBytes
	}
	return msg, nil
}

func toObject(msg Message) Object {
	switch m := msg.(type) {
	case ResPQ:
		return Object{Cons: "resPQ", Boxed: true, Fields: map[string]any{
			"nonce": m.Nonce, "server_nonce": m.ServerNonce, "pq": m.PQ,
			"server_public_key_fingerprints": m.ServerPublicKeyFingerprints,
		}}
	default:
		return Object{Cons: "opaque", Boxed: true, Fields: map[string]any{"value": msg}}
	}
}

// --- outbound encoders for client-originated constructors ---

func writeUint32(w *wire.Writer, v uint32) {
	w.Uint32LE(v)
}

func writeTLBytes(w *wire.Writer, data []byte) error {
	return w.ShortString(data)
}

func writeVectorInt64(w *wire.Writer, ids []int64) {
	writeUint32(w, consVectorLong)
	writeUint32(w, uint32(len(ids)))
	for _, id := range ids {
		w.Int64LE(id)
	}
}

// EncodeReqPQ serializes req_pq{nonce}.
func EncodeReqPQ(nonce nonce16) []byte {
	w := wire.NewWriter()
	writeUint32(w, consReqPQ)
	w.Write(nonce[:])
	return w.Bytes()
}

// EncodePQInnerData serializes p_q_inner_data (the payload RSA-wrapped
// with hash inside req_DH_params' encrypted_data).
func EncodePQInnerData(d PQInnerData) ([]byte, error) {
	w := wire.NewWriter()
	writeUint32(w, consPQInnerData)
	if err := writeTLBytes(w, d.PQ); err != nil {
		return nil, err
	}
	if err := writeTLBytes(w, d.P); err != nil {
		return nil, err
	}
	if err := writeTLBytes(w, d.Q); err != nil {
		return nil, err
	}
	w.Write(d.Nonce[:])
	w.Write(d.ServerNonce[:])
	w.Write(d.NewNonce[:])
	return w.Bytes(), nil
}

// EncodeReqDHParams serializes req_DH_params.
func EncodeReqDHParams(nonce, serverNonce nonce16, p, q []byte, fingerprint int64, encryptedData []byte) ([]byte, error) {
	w := wire.NewWriter()
	writeUint32(w, consReqDHParams)
	w.Write(nonce[:])
	w.Write(serverNonce[:])
	if err := writeTLBytes(w, p); err != nil {
		return nil, err
	}
	if err := writeTLBytes(w, q); err != nil {
		return nil, err
	}
	w.Int64LE(fingerprint)
	if err := writeTLBytes(w, encryptedData); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeClientDHInnerData serializes client_DH_inner_data (the payload
// encrypted with hash inside set_client_DH_params).
func EncodeClientDHInnerData(d ClientDHInnerData) ([]byte, error) {
	w := wire.NewWriter()
	writeUint32(w, consClientDHInnerData)
	w.Write(d.Nonce[:])
	w.Write(d.ServerNonce[:])
	w.Int64LE(d.RetryID)
	if err := writeTLBytes(w, d.GB); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeSetClientDHParams serializes set_client_DH_params.
func EncodeSetClientDHParams(nonce, serverNonce nonce16, encryptedData []byte) ([]byte, error) {
	w := wire.NewWriter()
	writeUint32(w, consSetClientDHParams)
	w.Write(nonce[:])
	w.Write(serverNonce[:])
	if err := writeTLBytes(w, encryptedData); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeMsgsAck serializes the msgs_ack the session sends during ack
// flush (spec.md §4.7).
func EncodeMsgsAck(msgIDs []int64) []byte {
	w := wire.NewWriter()
	writeUint32(w, consMsgsAck)
	writeVectorInt64(w, msgIDs)
	return w.Bytes()
}
