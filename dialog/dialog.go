// Package dialog implements the RFC 3261 §12 dialog state machine: dialog
// identification, route-set derivation, CSeq discipline, and the
// request/response construction shared by the uas and uac facades.
package dialog

import (
	"crypto/rand"
	"encoding/binary"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/header"
	"github.com/coredial/sipua/internal/errorutil"
	"github.com/coredial/sipua/internal/randutils"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/transaction"
	"github.com/coredial/sipua/uri"
)

// State is a dialog's position in its RFC 3261 §12 lifecycle.
type State int

const (
	// Early is the state between a dialog-creating provisional response
	// (or request) and confirmation.
	Early State = iota
	// Confirmed is the state after a 2xx final response to the initial
	// INVITE, or after the confirming ACK is received on the UAS side.
	Confirmed
	// Terminated is the state after BYE completion, a non-2xx final to
	// the initial INVITE, or local timeout.
	Terminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Early:
		return "early"
	case Confirmed:
		return "confirmed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrWrongState is returned when an operation is attempted against a
	// dialog that isn't in the state it requires.
	ErrWrongState errorutil.Error = "dialog is not in the required state"
)

// ID identifies a dialog by Call-ID and the local/remote tag pair, per RFC
// 3261 §12: for a UAS, local-tag is the To-tag and remote-tag is the
// From-tag; for a UAC these are swapped.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// Dialog tracks one signaling relationship between two SIP endpoints.
type Dialog struct {
	CallID    string
	LocalTag  string
	RemoteTag string

	LocalURI     uri.URI
	RemoteURI    uri.URI
	RemoteTarget uri.URI

	// RouteSet holds the dialog's route-set in the order it must be used
	// to build outgoing in-dialog requests: as derived, already flipped
	// for a UAC dialog per RFC 3261 §12.1.2.
	RouteSet []uri.URI

	LocalCSeq  uint32
	RemoteCSeq uint32

	// InviteBranch is the top Via branch of the client-side dialog's
	// originating INVITE. A CANCEL must reuse it verbatim per RFC 3261
	// §9.1 so the UAS can match it to the INVITE transaction it cancels.
	// Empty on UAS-side dialogs, which never send CANCEL.
	InviteBranch string

	state State
}

// ID returns the dialog's identifying triple.
func (d *Dialog) ID() ID {
	return ID{CallID: d.CallID, LocalTag: d.LocalTag, RemoteTag: d.RemoteTag}
}

// State reports the dialog's current lifecycle state.
func (d *Dialog) State() State { return d.state }

// Confirm transitions the dialog to Confirmed, on receipt of a 2xx final
// response to the initial INVITE (UAC side) or of the confirming ACK (UAS
// side).
func (d *Dialog) Confirm() { d.state = Confirmed }

// Terminate transitions the dialog to Terminated.
func (d *Dialog) Terminate() { d.state = Terminated }

// RequireState returns ErrWrongState unless the dialog is currently in s.
func (d *Dialog) RequireState(s State) error {
	if d.state != s {
		return errtrace.Wrap(ErrWrongState)
	}
	return nil
}

// NextCSeq increments and returns the dialog's local CSeq number.
func (d *Dialog) NextCSeq() uint32 {
	d.LocalCSeq++
	return d.LocalCSeq
}

// NewRequest builds an in-dialog request for method, using via as the
// Via sent-by address over proto, and applying the dialog's route-set and
// CSeq discipline per RFC 3261 §12.2.1.1.
//
// ACK to a 2xx and CANCEL reuse the initial INVITE's CSeq number rather
// than consuming a new one; every other method increments the dialog's
// local CSeq.
func (d *Dialog) NewRequest(method types.RequestMethod, via types.Addr, proto types.TransportProto) *message.Request {
	seq := d.LocalCSeq
	if method != types.RequestMethodAck && method != types.RequestMethodCancel {
		seq = d.NextCSeq()
	}

	requestURI, routeHops := d.routeForRequest()

	branch := transaction.NewBranch()
	if method == types.RequestMethodCancel && d.InviteBranch != "" {
		branch = d.InviteBranch
	}

	req := message.NewRequest(method, requestURI)
	req.Hdrs.AppendHeader(header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: proto,
		Addr:      via,
		Params:    header.Values{"branch": []string{branch}},
	}})
	req.Hdrs.AppendHeader(header.MaxForwards(70))
	req.Hdrs.AppendHeader(&header.From{
		URI:    d.LocalURI,
		Params: header.Values{"tag": []string{d.LocalTag}},
	})
	req.Hdrs.AppendHeader(&header.To{
		URI:    d.RemoteURI,
		Params: header.Values{"tag": []string{d.RemoteTag}},
	})
	req.Hdrs.AppendHeader(header.CallID(d.CallID))
	req.Hdrs.AppendHeader(&header.CSeq{SeqNum: uint(seq), Method: method})
	if len(routeHops) > 0 {
		req.Hdrs.AppendHeader(header.Route(routeHops))
	}

	return req
}

// routeForRequest computes the request-URI and outgoing Route header for
// an in-dialog request. If the route-set's topmost entry carries the lr
// parameter, requests are sent loose-routed straight to the remote target
// with the whole route-set copied into Route; otherwise the route-set
// requires strict-route rewriting, where the remote target is pushed onto
// the end of the route and the former topmost route entry becomes the
// request-URI.
func (d *Dialog) routeForRequest() (uri.URI, []header.RouteHop) {
	if len(d.RouteSet) == 0 {
		return d.RemoteTarget, nil
	}

	if isLooseRoute(d.RouteSet[0]) {
		hops := make([]header.RouteHop, len(d.RouteSet))
		for i, u := range d.RouteSet {
			hops[i] = header.RouteHop{URI: u}
		}
		return d.RemoteTarget, hops
	}

	hops := make([]header.RouteHop, 0, len(d.RouteSet))
	for _, u := range d.RouteSet[1:] {
		hops = append(hops, header.RouteHop{URI: u})
	}
	hops = append(hops, header.RouteHop{URI: d.RemoteTarget})
	return d.RouteSet[0], hops
}

func isLooseRoute(u uri.URI) bool {
	sip, ok := u.(*uri.SIP)
	if !ok {
		return false
	}
	return sip.LR()
}

// NewResponse builds a response to req within this dialog: it copies Via,
// From, Call-ID and CSeq from req, and stamps To with the dialog's local
// tag unless req's To already carries one.
func (d *Dialog) NewResponse(req *message.Request, status types.ResponseStatus, reason string) *message.Response {
	resp := message.NewResponse(status)
	if reason != "" {
		resp.Reason = reason
	}

	if via, ok := req.Via(); ok {
		resp.Hdrs.AppendHeader(via)
	}
	if from, ok := req.From(); ok {
		resp.Hdrs.AppendHeader(from)
	}
	if to, ok := req.To(); ok {
		toCopy := *to
		if _, hasTag := toCopy.Params.First("tag"); !hasTag {
			params := toCopy.Params.Clone()
			if params == nil {
				params = header.Values{}
			}
			toCopy.Params = params.Set("tag", d.LocalTag)
		}
		resp.Hdrs.AppendHeader(&toCopy)
	}
	if callID, ok := req.CallID(); ok {
		resp.Hdrs.AppendHeader(callID)
	}
	if cseq, ok := req.CSeq(); ok {
		resp.Hdrs.AppendHeader(cseq)
	}

	return resp
}

// NewFromRequest creates a UAS-side early dialog from a dialog-creating
// request (typically INVITE), per RFC 3261 §12.1.1. A fresh local tag is
// generated; localURI overrides the local address-of-record derived from
// the request's To header when non-nil. The route-set is taken from the
// request's Record-Route in the order the headers appear.
func NewFromRequest(req *message.Request, localURI uri.URI) *Dialog {
	from, _ := req.From()
	to, _ := req.To()
	callID, _ := req.CallID()

	var remoteTag string
	if from != nil {
		remoteTag, _ = from.Params.First("tag")
	}

	lu := localURI
	if lu == nil && to != nil {
		lu = to.URI
	}
	if lu == nil {
		lu = req.RequestURI
	}

	var remoteURI uri.URI
	if from != nil {
		remoteURI = from.URI
	}

	var remoteTarget uri.URI
	if contact, ok := req.Contact(); ok && len(contact) > 0 {
		remoteTarget = contact[0].URI
	}

	var routeSet []uri.URI
	if rr, ok := req.RecordRoute(); ok {
		routeSet = make([]uri.URI, len(rr))
		for i, hop := range rr {
			routeSet[i] = hop.URI
		}
	}

	var remoteCSeq uint32
	if cseq, ok := req.CSeq(); ok {
		remoteCSeq = uint32(cseq.SeqNum)
	}

	return &Dialog{
		CallID:       string(callID),
		LocalTag:     randutils.RandString(10),
		RemoteTag:    remoteTag,
		LocalURI:     lu,
		RemoteURI:    remoteURI,
		RemoteTarget: remoteTarget,
		RouteSet:     routeSet,
		LocalCSeq:    randomCSeq(),
		RemoteCSeq:   remoteCSeq,
		state:        Early,
	}
}

// NewFromResponse creates or refreshes a UAC-side dialog from a
// dialog-creating response (a 1xx or 2xx to req carrying a To-tag), per RFC
// 3261 §12.1.2. The route-set is taken from the response's Record-Route in
// reverse order.
func NewFromResponse(req *message.Request, resp *message.Response) *Dialog {
	from, _ := req.From()
	to, _ := resp.To()
	callID, _ := resp.CallID()
	cseq, _ := req.CSeq()

	var localTag string
	if from != nil {
		localTag, _ = from.Params.First("tag")
	}
	var remoteTag string
	if to != nil {
		remoteTag, _ = to.Params.First("tag")
	}

	var localURI, remoteURI uri.URI
	if from != nil {
		localURI = from.URI
	}
	if to != nil {
		remoteURI = to.URI
	}

	var remoteTarget uri.URI
	if contact, ok := resp.Contact(); ok && len(contact) > 0 {
		remoteTarget = contact[0].URI
	}

	var routeSet []uri.URI
	if rr, ok := resp.RecordRoute(); ok {
		routeSet = make([]uri.URI, len(rr))
		for i := range rr {
			routeSet[i] = rr[len(rr)-1-i].URI
		}
	}

	state := Early
	if resp.Status.IsSuccessful() {
		state = Confirmed
	}

	var localCSeq uint32
	if cseq != nil {
		localCSeq = uint32(cseq.SeqNum)
	}

	var inviteBranch string
	if via, ok := req.Via(); ok && len(via) > 0 {
		inviteBranch, _ = via[0].Params.First("branch")
	}

	return &Dialog{
		CallID:       string(callID),
		LocalTag:     localTag,
		RemoteTag:    remoteTag,
		LocalURI:     localURI,
		RemoteURI:    remoteURI,
		RemoteTarget: remoteTarget,
		RouteSet:     routeSet,
		LocalCSeq:    localCSeq,
		InviteBranch: inviteBranch,
		state:        state,
	}
}

// randomCSeq returns a random 31-bit starting CSeq number, per RFC 3261
// §12.1.
func randomCSeq() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
}

// Table is a Call-ID/tag-keyed dialog store. It carries no internal
// locking: it is owned and mutated by a single event loop goroutine, the
// same convention the transaction layer's key tables follow.
type Table map[ID]*Dialog

// NewTable returns an empty dialog table.
func NewTable() Table { return make(Table) }

// Put stores d under its own ID.
func (t Table) Put(d *Dialog) { t[d.ID()] = d }

// Get looks up the dialog with the given ID.
func (t Table) Get(id ID) (*Dialog, bool) {
	d, ok := t[id]
	return d, ok
}

// Delete removes the dialog with the given ID, if present.
func (t Table) Delete(id ID) { delete(t, id) }
