package session

import (
	"errors"
	"sync"
	"time"

	"github.com/nikat/mtproto2json/scheme"
)

// pendingTimeout is the hard 600s deadline of spec.md §3 PendingRequest
// / §5 "Outstanding PendingRequests have a hard 600 s timeout."
const pendingTimeout = 600 * time.Second

// ErrTimeout resolves a pending slot's completion when no reply
// arrives within pendingTimeout (spec.md §7 *Timeout*, a synthetic
// rpc_timeout record rather than a raised error).
var ErrTimeout = errors.New("session: rpc call timed out")

// ErrDisconnected resolves any still-outstanding pending slots when
// the transport tears down (spec.md §9 "Pending-request cleanup on
// cancellation": this implementation resolves rather than leaving
// slots to time out).
var ErrDisconnected = errors.New("session: transport disconnected")

// pendingRequest is the record of spec.md §3: the payload that was
// sent and the slot its eventual result (or error) resolves into.
type pendingRequest struct {
	msgID      int64
	body       []byte
	completion chan pendingResult
	timer      *time.Timer
}

type pendingResult struct {
	result scheme.Message
	err    error
}

// pendingTable tracks in-flight requests keyed by MessageId.
type pendingTable struct {
	mu      sync.Mutex
	byMsgID map[int64]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{byMsgID: make(map[int64]*pendingRequest)}
}

// register adds a new pending slot for msgID, arming its 600s timeout.
// body is retained for resubmission (bad_server_salt / bad_msg_notification
// / FLOOD_WAIT_N recovery, spec.md §4.7).
func (t *pendingTable) register(msgID int64, body []byte) *pendingRequest {
	p := &pendingRequest{msgID: msgID, body: body, completion: make(chan pendingResult, 1)}
	t.mu.Lock()
	t.byMsgID[msgID] = p
	t.mu.Unlock()

	p.timer = time.AfterFunc(pendingTimeout, func() {
		t.resolve(msgID, pendingResult{err: ErrTimeout})
	})
	return p
}

// resolve delivers a result to the pending slot for msgID, if still
// outstanding, and removes it from the table. Safe to call more than
// once for the same msgID; subsequent calls are no-ops.
func (t *pendingTable) resolve(msgID int64, res pendingResult) {
	t.mu.Lock()
	p, ok := t.byMsgID[msgID]
	if ok {
		delete(t.byMsgID, msgID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.completion <- res
}

// get returns the pending slot for msgID without resolving it, used
// by recovery paths that need to resubmit the original body.
func (t *pendingTable) get(msgID int64) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byMsgID[msgID]
	return p, ok
}

// len reports the number of outstanding pending requests.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byMsgID)
}

// disconnectAll resolves every outstanding slot with ErrDisconnected
// (spec.md §9 design-note decision).
func (t *pendingTable) disconnectAll() {
	t.mu.Lock()
	all := t.byMsgID
	t.byMsgID = make(map[int64]*pendingRequest)
	t.mu.Unlock()

	for msgID, p := range all {
		p.timer.Stop()
		p.completion <- pendingResult{err: ErrDisconnected}
		_ = msgID
	}
}
