// Package uac implements the in-dialog client-side operations an
// application drives against an established call: BYE, re-INVITE, INFO, and
// CANCEL of a pending INVITE. Each operation constructs its request through
// the shared dialog request-construction rules and hands it to the
// transaction layer; the caller resolves the outcome through the returned
// PendingRequest rather than blocking inline, mirroring how the reference
// implementation's send_* operations return before the response arrives.
package uac

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/dialog"
	"github.com/coredial/sipua/header"
	internallog "github.com/coredial/sipua/internal/log"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/sdp"
	"github.com/coredial/sipua/transaction"
	"github.com/coredial/sipua/uri"
)

// UAC drives in-dialog client operations over a shared transaction.Layer.
type UAC struct {
	txl     *transaction.Layer
	via     types.Addr
	proto   types.TransportProto
	contact uri.URI
	log     *slog.Logger
}

// NewUAC returns a UAC sending requests over txl. via is the sent-by
// address stamped on the Via header of every outgoing request; contact is
// the URI advertised in the Contact header of requests that carry one. A
// nil log defaults to internal/log.Noop.
func NewUAC(txl *transaction.Layer, via types.Addr, proto types.TransportProto, contact uri.URI, log *slog.Logger) *UAC {
	if log == nil {
		log = internallog.Noop
	}
	return &UAC{txl: txl, via: via, proto: proto, contact: contact, log: log}
}

// PendingRequest is the future-like completion handle returned for every
// in-dialog request, resolved with the final response or a transaction
// error once Wait is called.
type PendingRequest struct {
	tx *transaction.ClientTransaction
}

// Wait blocks until the request's client transaction produces a final
// response or fails, or until ctx is done.
func (p *PendingRequest) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case resp, ok := <-p.tx.Responses():
		if !ok {
			return nil, errtrace.Wrap(transaction.ErrTransactionTerminated)
		}
		return resp, nil
	case err := <-p.tx.Errors():
		return nil, errtrace.Wrap(err)
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	}
}

// Terminate ends the request's client transaction at once, stopping its
// retransmission and timeout timers. A response arriving afterwards is no
// longer matched to the transaction, and a Wait already in progress is not
// unblocked by Terminate.
func (p *PendingRequest) Terminate() { p.tx.Terminate() }

func (u *UAC) send(ctx context.Context, remote types.Addr, req *message.Request) (*PendingRequest, error) {
	port, _ := remote.Port()
	tx, err := u.txl.SendRequest(ctx, u.proto, remote.Host(), port, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &PendingRequest{tx: tx}, nil
}

func (u *UAC) contactHeader() header.Contact {
	return header.Contact{{URI: u.contact}}
}

// SendBye terminates an established dialog, per RFC 3261 §15. It fails with
// dialog.ErrWrongState unless the dialog is Confirmed, and unconditionally
// terminates the dialog once the BYE is handed to the transaction layer,
// without waiting for a response.
func (u *UAC) SendBye(ctx context.Context, d *dialog.Dialog, remote types.Addr) (*PendingRequest, error) {
	if err := d.RequireState(dialog.Confirmed); err != nil {
		return nil, errtrace.Wrap(err)
	}

	req := d.NewRequest(types.RequestMethodBye, u.via, u.proto)
	req.Hdrs.AppendHeader(u.contactHeader())

	pr, err := u.send(ctx, remote, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	u.log.Debug("sent BYE", "call_id", d.CallID)
	d.Terminate()
	return pr, nil
}

// SendReinvite re-offers media on an established dialog with a
// caller-supplied SDP body, per RFC 3264 §8. The dialog is left Confirmed;
// re-negotiation only completes once the final response is answered with
// its own SDP.
func (u *UAC) SendReinvite(ctx context.Context, d *dialog.Dialog, offerSDP []byte, remote types.Addr) (*PendingRequest, error) {
	if err := d.RequireState(dialog.Confirmed); err != nil {
		return nil, errtrace.Wrap(err)
	}

	req := d.NewRequest(types.RequestMethodInvite, u.via, u.proto)
	req.Hdrs.AppendHeader(u.contactHeader())
	ct := header.ContentType{Type: "application", Subtype: "sdp"}
	req.Hdrs.AppendHeader(&ct)
	req.SetBody(offerSDP)

	return u.send(ctx, remote, req)
}

// SendReinviteOffer builds a fresh offer from codec/DTMF/direction
// preferences via sdp.BuildOffer, using the UAC's own Via address as the
// offered media connection address, and sends it as a re-INVITE.
func (u *UAC) SendReinviteOffer(ctx context.Context, d *dialog.Dialog, payloadTypes []int, dtmf bool, direction string, remote types.Addr) (*PendingRequest, error) {
	localPort := 0
	if p, ok := u.via.Port(); ok {
		localPort = int(p)
	}
	offer := sdp.BuildOffer(u.via.Host(), localPort, payloadTypes, dtmf, direction)
	return u.SendReinvite(ctx, d, sdp.Build(offer), remote)
}

// SendCancel cancels a pending client INVITE, per RFC 3261 §9.1. It is only
// valid while the dialog created from the INVITE's dialog-creating
// provisional response is still Early: cancellation before any provisional
// has arrived must instead be queued by the caller.
func (u *UAC) SendCancel(ctx context.Context, d *dialog.Dialog, remote types.Addr) (*PendingRequest, error) {
	if err := d.RequireState(dialog.Early); err != nil {
		return nil, errtrace.Wrap(err)
	}

	req := d.NewRequest(types.RequestMethodCancel, u.via, u.proto)

	pr, err := u.send(ctx, remote, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	u.log.Debug("sent CANCEL", "call_id", d.CallID)
	d.Terminate()
	return pr, nil
}

// SendInfo sends a mid-call INFO request, per RFC 6086.
func (u *UAC) SendInfo(ctx context.Context, d *dialog.Dialog, body []byte, contentType string, remote types.Addr) (*PendingRequest, error) {
	if err := d.RequireState(dialog.Confirmed); err != nil {
		return nil, errtrace.Wrap(err)
	}

	req := d.NewRequest(types.RequestMethodInfo, u.via, u.proto)
	if contentType != "" {
		typ, subtype := splitMIME(contentType)
		ct := header.ContentType{Type: typ, Subtype: subtype}
		req.Hdrs.AppendHeader(&ct)
	}
	req.SetBody(body)

	return u.send(ctx, remote, req)
}

func splitMIME(s string) (typ, subtype string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
