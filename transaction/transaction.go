// Package transaction implements the RFC 3261 §17 client and server
// transaction state machines: INVITE and non-INVITE, driven by the
// mockable timers in the timing package and modeled explicitly with
// github.com/qmuntal/stateless.
package transaction

import (
	"strings"
	"time"

	"github.com/coredial/sipua/internal/randutils"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
)

// RFC 3261 §17.1.1.1 timer values. T1 is the estimated round-trip time; T2
// caps the non-INVITE/INVITE-response retransmit interval; T4 is the
// maximum lifetime a message can remain in the network. The named timers
// (A-K) are defined in terms of these in each transaction's own file.
const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
	T4 = 5 * time.Second
)

// MagicCookie is the branch-parameter prefix that marks an RFC 3261
// compliant Via header, per §8.1.1.7.
const MagicCookie = "z9hG4bK"

// Key identifies a transaction: the branch parameter of its top Via header
// plus the "canonicalized" method (ACK and CANCEL folded into INVITE, since
// both match against the INVITE server transaction they belong to rather
// than being looked up under their own method).
type Key string

// RequestKey computes the matching key for an incoming or outgoing request,
// per RFC 3261 §17.1.3/§17.2.3. It reports false if the request's Via
// header carries no RFC 3261 branch, and so cannot be matched at all.
//
// An ACK to a non-2xx and a CANCEL both fold to the key of the INVITE
// transaction they belong to (method-substituted): the ACK is absorbed by
// that transaction outright, while the CANCEL is matched against it so the
// layer can recognize which INVITE it cancels, even though the CANCEL still
// gets its own tracked transaction and its own response.
func RequestKey(req *message.Request) (Key, bool) {
	via, ok := req.Via()
	if !ok || len(via) == 0 {
		return "", false
	}
	branch, ok := via[0].Params.First("branch")
	if !ok || !strings.HasPrefix(branch, MagicCookie) {
		return "", false
	}

	method := req.Method.ToUpper()
	if method == types.RequestMethodAck || method == types.RequestMethodCancel {
		method = types.RequestMethodInvite
	}
	return Key(branch + "|" + string(method)), true
}

// ResponseKey computes the matching key for a response, using its topmost
// Via branch and its CSeq method.
func ResponseKey(resp *message.Response) (Key, bool) {
	via, ok := resp.Via()
	if !ok || len(via) == 0 {
		return "", false
	}
	branch, ok := via[0].Params.First("branch")
	if !ok || !strings.HasPrefix(branch, MagicCookie) {
		return "", false
	}

	cseq, ok := resp.CSeq()
	if !ok {
		return "", false
	}
	return Key(branch + "|" + string(cseq.Method.ToUpper())), true
}

// NewBranch returns a fresh RFC 3261 compliant branch parameter.
func NewBranch() string {
	return MagicCookie + randutils.RandString(24)
}

// Error is a sentinel transaction-layer error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrTransactionTimeout is delivered when a transaction's timeout
	// timer (Timer B or Timer F) fires before a final response arrives.
	ErrTransactionTimeout Error = "transaction timed out"
	// ErrTransactionTerminated is returned by NewClientTransaction and
	// NewServerTransaction when the request's top Via carries no RFC 3261
	// branch, so no transaction can be created for it.
	ErrTransactionTerminated Error = "transaction terminated"
)
