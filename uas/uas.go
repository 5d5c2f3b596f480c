// Package uas implements the server-side call facade: it ties an incoming
// INVITE's server transaction to its (early, then confirmed) dialog,
// dispatches in-dialog requests against an active-calls table keyed by
// Call-ID, and exposes the application-facing callback contract.
package uas

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/dialog"
	"github.com/coredial/sipua/header"
	"github.com/coredial/sipua/internal/errorutil"
	internallog "github.com/coredial/sipua/internal/log"
	"github.com/coredial/sipua/internal/randutils"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/sdp"
	"github.com/coredial/sipua/transaction"
	"github.com/coredial/sipua/uri"
)

// ErrAlreadyAnswered is returned by Accept/Reject once a final response has
// already been sent for the call.
var ErrAlreadyAnswered errorutil.Error = "call already answered"

// IncomingCall ties one server INVITE transaction to its (future) dialog,
// offering the high-level operations an application drives an incoming
// call with. The dialog itself doesn't exist until the first
// dialog-creating response (a 180 with To-tag, or the 200) is sent: Dialog
// returns nil until Ringing or Accept is called.
type IncomingCall struct {
	contact uri.URI

	callID string
	caller uri.URI
	callee uri.URI

	mu       sync.Mutex
	d        *dialog.Dialog
	invite   *message.Request
	tx       *transaction.ServerTransaction
	offer    *sdp.Session
	xHeaders map[string]string
	answered bool
}

// CallID returns the call's Call-ID.
func (c *IncomingCall) CallID() string { return c.callID }

// Caller returns the calling party's URI (the INVITE's From).
func (c *IncomingCall) Caller() uri.URI { return c.caller }

// Callee returns the called party's URI (the INVITE's To/Request-URI).
func (c *IncomingCall) Callee() uri.URI { return c.callee }

// Offer returns the parsed SDP offer carried by the (re-)INVITE, if any.
func (c *IncomingCall) Offer() (*sdp.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer, c.offer != nil
}

// XHeaders returns the X-* headers collected from the initial INVITE.
func (c *IncomingCall) XHeaders() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.xHeaders))
	for k, v := range c.xHeaders {
		out[k] = v
	}
	return out
}

// Dialog returns the call's dialog, or nil if no dialog-creating response
// has been sent yet.
func (c *IncomingCall) Dialog() *dialog.Dialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.d
}

// Request returns the most recently received INVITE for this call (the
// initial INVITE, or the latest re-INVITE).
func (c *IncomingCall) Request() *message.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invite
}

// ensureDialog lazily creates the dialog on the first dialog-creating
// response, caching it so the same To-tag is reused across a 180 followed
// by the 200. Callers must hold c.mu.
func (c *IncomingCall) ensureDialog() *dialog.Dialog {
	if c.d == nil {
		c.d = dialog.NewFromRequest(c.invite, nil)
	}
	return c.d
}

// Trying sends a 100 Trying for the call. It is a no-op from the protocol's
// perspective if the application never calls it: the underlying server
// transaction sends its own 100 Trying automatically 200ms after the
// INVITE arrives if no other response has been sent by then. A 100
// Trying is never dialog-creating, so no dialog is touched.
func (c *IncomingCall) Trying(ctx context.Context) error {
	c.mu.Lock()
	resp := buildBareResponse(c.invite, 100, "")
	tx := c.tx
	c.mu.Unlock()
	return errtrace.Wrap(tx.Respond(ctx, resp))
}

// Ringing sends a 180 Ringing, optionally carrying early media SDP. This
// is dialog-creating: it establishes the dialog (with a fresh To-tag) if
// one doesn't already exist.
func (c *IncomingCall) Ringing(ctx context.Context, earlySDP []byte) error {
	c.mu.Lock()
	d := c.ensureDialog()
	resp := d.NewResponse(c.invite, 180, "")
	resp.Hdrs.AppendHeader(header.Contact{{URI: c.contact}})
	if len(earlySDP) > 0 {
		ct := header.ContentType{Type: "application", Subtype: "sdp"}
		resp.Hdrs.AppendHeader(&ct)
		resp.SetBody(earlySDP)
	}
	tx := c.tx
	c.mu.Unlock()
	return errtrace.Wrap(tx.Respond(ctx, resp))
}

// Accept sends a 200 OK carrying answerSDP, sets the response's Contact to
// the UAS's local contact, establishes the dialog if Ringing wasn't
// called first, and confirms it.
func (c *IncomingCall) Accept(ctx context.Context, answerSDP []byte) error {
	c.mu.Lock()
	if c.answered {
		c.mu.Unlock()
		return ErrAlreadyAnswered
	}
	c.answered = true
	d := c.ensureDialog()

	resp := d.NewResponse(c.invite, 200, "")
	resp.Hdrs.AppendHeader(header.Contact{{URI: c.contact}})
	if len(answerSDP) > 0 {
		ct := header.ContentType{Type: "application", Subtype: "sdp"}
		resp.Hdrs.AppendHeader(&ct)
		resp.SetBody(answerSDP)
	}
	tx := c.tx
	c.mu.Unlock()

	if err := tx.Respond(ctx, resp); err != nil {
		return errtrace.Wrap(err)
	}
	d.Confirm()
	return nil
}

// AcceptWithOffer negotiates an SDP answer against the call's offer per RFC
// 3264, preferring codecs in supported's order and carrying DTMF
// telephone-events when dtmf is true, then accepts the call with that
// answer. If the offer names no audio media or no codec the answerer
// supports, it rejects the call with 488 Not Acceptable Here instead of
// sending a 200 OK, per RFC 3261 §21.4.22. A call with no offer at all
// (an INVITE with no body) is accepted with no answer, deferring SDP to a
// later ACK or re-INVITE.
func (c *IncomingCall) AcceptWithOffer(ctx context.Context, localIP string, localPort int, supported []int, dtmf bool) error {
	offer, hasOffer := c.Offer()
	if !hasOffer {
		return errtrace.Wrap(c.Accept(ctx, nil))
	}

	answer, err := sdp.Negotiate(offer, localIP, localPort, supported, dtmf)
	if err != nil {
		if errors.Is(err, sdp.ErrNoCommonCodec) || errors.Is(err, sdp.ErrNoAudio) {
			return errtrace.Wrap(c.Reject(ctx, 488, "Not Acceptable Here"))
		}
		return errtrace.Wrap(err)
	}

	return errtrace.Wrap(c.Accept(ctx, sdp.Build(answer)))
}

// Reject sends an error final response (status must be 3xx-6xx). A non-2xx
// final response is never dialog-creating, per RFC 3261 §12.1.1: if
// Ringing already established an early dialog it is terminated, but if
// none exists yet, none is created just to reject the call.
func (c *IncomingCall) Reject(ctx context.Context, status types.ResponseStatus, reason string) error {
	c.mu.Lock()
	if c.answered {
		c.mu.Unlock()
		return ErrAlreadyAnswered
	}
	c.answered = true

	d := c.d
	var resp *message.Response
	if d != nil {
		resp = d.NewResponse(c.invite, status, reason)
	} else {
		resp = buildBareResponse(c.invite, status, reason)
	}
	tx := c.tx
	c.mu.Unlock()

	if err := tx.Respond(ctx, resp); err != nil {
		return errtrace.Wrap(err)
	}
	if d != nil {
		d.Terminate()
	}
	return nil
}

func (c *IncomingCall) isAnswered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// InviteCallback is invoked when a new call arrives, or when an established
// call receives a re-INVITE.
type InviteCallback func(call *IncomingCall)

// ByeCallback is invoked when an in-dialog BYE terminates a call.
type ByeCallback func(call *IncomingCall, req *message.Request)

// CancelCallback is invoked when a pending INVITE is cancelled.
type CancelCallback func(call *IncomingCall)

// OptionsCallback answers an OPTIONS request; returning nil falls back to
// the UAS's default 200 OK with Allow.
type OptionsCallback func(req *message.Request) *message.Response

// InfoCallback is invoked for an in-dialog INFO request, after the UAS has
// already auto-responded 200 OK.
type InfoCallback func(call *IncomingCall, req *message.Request)

// UAS listens for incoming requests over a transaction.Layer and dispatches
// them through the callbacks below, mirroring the reference SipUAS.
type UAS struct {
	contact uri.URI
	allow   header.Allow

	OnInvite   InviteCallback
	OnBye      ByeCallback
	OnReinvite InviteCallback
	OnCancel   CancelCallback
	OnOptions  OptionsCallback
	OnInfo     InfoCallback

	log *slog.Logger

	mu    sync.Mutex
	calls map[string]*IncomingCall
}

// NewUAS returns a UAS advertising contact and allow on its default
// responses. A nil log defaults to internal/log.Noop.
func NewUAS(contact uri.URI, allow []types.RequestMethod, log *slog.Logger) *UAS {
	if log == nil {
		log = internallog.Noop
	}
	return &UAS{
		contact: contact,
		allow:   header.Allow(allow),
		log:     log,
		calls:   make(map[string]*IncomingCall),
	}
}

// ActiveCalls returns a snapshot of calls currently tracked, keyed by
// Call-ID.
func (u *UAS) ActiveCalls() map[string]*IncomingCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]*IncomingCall, len(u.calls))
	for k, v := range u.calls {
		out[k] = v
	}
	return out
}

// GetCall looks up an active call by Call-ID.
func (u *UAS) GetCall(callID string) (*IncomingCall, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	call, ok := u.calls[callID]
	return call, ok
}

// GetDialog looks up the dialog for an active call by Call-ID.
func (u *UAS) GetDialog(callID string) (*dialog.Dialog, bool) {
	call, ok := u.GetCall(callID)
	if !ok {
		return nil, false
	}
	return call.Dialog(), true
}

// HandleRequest implements transaction.RequestHandler. Pass it as the
// handler argument to transaction.NewLayer.
func (u *UAS) HandleRequest(ctx context.Context, req *message.Request, tx *transaction.ServerTransaction) {
	switch req.Method.ToUpper() {
	case types.RequestMethodInvite:
		u.handleInvite(req, tx)
	case types.RequestMethodAck:
		u.handleAck(req, tx)
	case types.RequestMethodBye:
		u.handleBye(ctx, req, tx)
	case types.RequestMethodCancel:
		u.handleCancel(ctx, req, tx)
	case types.RequestMethodOptions:
		u.handleOptions(ctx, req, tx)
	case types.RequestMethodInfo:
		u.handleInfo(ctx, req, tx)
	default:
		u.sendError(ctx, req, tx, 405, "Method Not Allowed")
	}
}

func (u *UAS) handleInvite(req *message.Request, tx *transaction.ServerTransaction) {
	callID, _ := req.CallID()
	id := string(callID)

	u.mu.Lock()
	existing, ok := u.calls[id]
	u.mu.Unlock()

	if ok && existing.Dialog() != nil && existing.Dialog().State() == dialog.Confirmed {
		existing.mu.Lock()
		existing.invite = req
		existing.tx = tx
		if sess, ok := parseOfferIfSDP(req); ok {
			existing.offer = sess
		}
		existing.mu.Unlock()

		if u.OnReinvite != nil {
			u.OnReinvite(existing)
		}
		return
	}

	from, _ := req.From()
	to, _ := req.To()
	var caller, callee uri.URI
	if from != nil {
		caller = from.URI
	}
	if to != nil {
		callee = to.URI
	} else {
		callee = req.RequestURI
	}

	call := &IncomingCall{
		contact:  u.contact,
		callID:   id,
		caller:   caller,
		callee:   callee,
		invite:   req,
		tx:       tx,
		xHeaders: extractXHeaders(req),
	}
	if sess, ok := parseOfferIfSDP(req); ok {
		call.offer = sess
	}

	u.mu.Lock()
	u.calls[id] = call
	u.mu.Unlock()

	u.log.Debug("new incoming call", "call_id", id)
	if u.OnInvite != nil {
		u.OnInvite(call)
	}
}

// handleAck confirms the dialog for an ACK to a 2xx, which arrives as a new
// end-to-end request bypassing the transaction it would otherwise belong
// to; the transaction created for it here carries no timers of its own and
// is torn down immediately once handled.
func (u *UAS) handleAck(req *message.Request, tx *transaction.ServerTransaction) {
	defer tx.Terminate()

	callID, _ := req.CallID()
	u.mu.Lock()
	call, ok := u.calls[string(callID)]
	u.mu.Unlock()
	if ok && call.Dialog() != nil {
		call.Dialog().Confirm()
	}
}

func (u *UAS) handleBye(ctx context.Context, req *message.Request, tx *transaction.ServerTransaction) {
	callID, _ := req.CallID()
	id := string(callID)

	u.mu.Lock()
	call, ok := u.calls[id]
	if ok {
		delete(u.calls, id)
	}
	u.mu.Unlock()

	if !ok {
		u.sendError(ctx, req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	resp := call.Dialog().NewResponse(req, 200, "")
	tx.Respond(ctx, resp) //nolint:errcheck
	call.Dialog().Terminate()

	u.log.Debug("call terminated by BYE", "call_id", id)
	if u.OnBye != nil {
		u.OnBye(call, req)
	}
}

func (u *UAS) handleCancel(ctx context.Context, req *message.Request, tx *transaction.ServerTransaction) {
	callID, _ := req.CallID()
	id := string(callID)

	u.mu.Lock()
	call, ok := u.calls[id]
	if ok {
		delete(u.calls, id)
	}
	u.mu.Unlock()

	if !ok {
		u.sendError(ctx, req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	// The 200 OK on the CANCEL itself answers the CANCEL request, not the
	// INVITE, and needs no dialog: build it bare per RFC 3261 §9.2.
	okResp := buildBareResponse(req, 200, "")
	tx.Respond(ctx, okResp) //nolint:errcheck

	if !call.isAnswered() {
		call.Reject(ctx, 487, "Request Terminated") //nolint:errcheck
	}

	if u.OnCancel != nil {
		u.OnCancel(call)
	}
}

func (u *UAS) handleOptions(ctx context.Context, req *message.Request, tx *transaction.ServerTransaction) {
	if u.OnOptions != nil {
		if resp := u.OnOptions(req); resp != nil {
			tx.Respond(ctx, resp) //nolint:errcheck
		}
		return
	}

	resp := buildBareResponse(req, 200, "")
	resp.Hdrs.AppendHeader(u.allow)
	tx.Respond(ctx, resp) //nolint:errcheck
}

func (u *UAS) handleInfo(ctx context.Context, req *message.Request, tx *transaction.ServerTransaction) {
	callID, _ := req.CallID()
	u.mu.Lock()
	call, ok := u.calls[string(callID)]
	u.mu.Unlock()

	if !ok {
		u.sendError(ctx, req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	resp := call.Dialog().NewResponse(req, 200, "")
	tx.Respond(ctx, resp) //nolint:errcheck

	if u.OnInfo != nil {
		u.OnInfo(call, req)
	}
}

func (u *UAS) sendError(ctx context.Context, req *message.Request, tx *transaction.ServerTransaction, status types.ResponseStatus, reason string) {
	resp := buildBareResponse(req, status, reason)
	tx.Respond(ctx, resp) //nolint:errcheck
}

// buildBareResponse builds a response to req without an established
// dialog: it copies Via/From/Call-ID/CSeq, and stamps a fresh To-tag when
// req's To doesn't already carry one.
func buildBareResponse(req *message.Request, status types.ResponseStatus, reason string) *message.Response {
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
			toCopy.Params = params.Set("tag", randutils.RandString(10))
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

func extractXHeaders(req *message.Request) map[string]string {
	out := make(map[string]string)
	for _, name := range req.Hdrs.Names() {
		if len(name) < 2 || !strings.EqualFold(string(name[:2]), "x-") {
			continue
		}
		if hdr, ok := req.Hdrs.GetHeader(string(name)); ok {
			out[string(name)] = hdr.RenderValue()
		}
	}
	return out
}

func parseOfferIfSDP(req *message.Request) (*sdp.Session, bool) {
	body := req.Body()
	if len(body) == 0 || !contentTypeIsSDP(req) {
		return nil, false
	}
	sess, err := sdp.Parse(body)
	if err != nil {
		return nil, false
	}
	return sess, true
}

func contentTypeIsSDP(req *message.Request) bool {
	hdr, ok := req.Hdrs.GetHeader("Content-Type")
	if !ok {
		return false
	}
	ct, ok := hdr.(*header.ContentType)
	if !ok {
		return false
	}
	return strings.EqualFold(ct.Type, "application") && strings.EqualFold(ct.Subtype, "sdp")
}
