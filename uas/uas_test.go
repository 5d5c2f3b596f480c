package uas_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coredial/sipua/dialog"
	"github.com/coredial/sipua/header"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/sdp"
	"github.com/coredial/sipua/transaction"
	"github.com/coredial/sipua/transport"
	"github.com/coredial/sipua/uas"
	"github.com/coredial/sipua/uri"
)

type fakeTransport struct {
	network  types.TransportProto
	reliable bool

	mu   sync.Mutex
	sent []message.Message

	messages chan *transport.Incoming
	errs     chan error
}

func newFakeTransport(network types.TransportProto) *fakeTransport {
	return &fakeTransport{
		network:  network,
		reliable: true,
		messages: make(chan *transport.Incoming, 8),
		errs:     make(chan error, 8),
	}
}

func (f *fakeTransport) Network() types.TransportProto                 { return f.network }
func (f *fakeTransport) Reliable() bool                                { return f.reliable }
func (f *fakeTransport) Listen(context.Context, transport.Target) error { return nil }

func (f *fakeTransport) Send(_ context.Context, _ transport.Target, msg message.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Messages() <-chan *transport.Incoming { return f.messages }
func (f *fakeTransport) Errors() <-chan error                 { return f.errs }
func (f *fakeTransport) Close() error                         { return nil }

func (f *fakeTransport) sentResponses() []*message.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*message.Response
	for _, m := range f.sent {
		if resp, ok := m.(*message.Response); ok {
			out = append(out, resp)
		}
	}
	return out
}

func mustParseURI(t *testing.T, s string) uri.URI {
	t.Helper()
	u, err := uri.Parse(s)
	if err != nil {
		t.Fatalf("uri.Parse(%q): %v", s, err)
	}
	return u
}

func newInvite(t *testing.T, callID, branch string) *message.Request {
	t.Helper()
	req := message.NewRequest(types.RequestMethodInvite, mustParseURI(t, "sip:bob@example.com"))
	req.Hdrs.AppendHeader(header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      types.HostPort("caller.example.com", 5060),
		Params:    header.Values{"branch": []string{branch}},
	}})
	req.Hdrs.AppendHeader(&header.From{
		URI:    mustParseURI(t, "sip:alice@caller.example.com"),
		Params: header.Values{"tag": []string{"from-tag"}},
	})
	req.Hdrs.AppendHeader(&header.To{URI: mustParseURI(t, "sip:bob@example.com")})
	req.Hdrs.AppendHeader(header.CallID(callID))
	req.Hdrs.AppendHeader(&header.CSeq{SeqNum: 1, Method: types.RequestMethodInvite})
	req.Hdrs.AppendHeader(&header.Any{Name: "X-Room-Id", Value: "42"})
	return req
}

// newInviteWithOffer builds on newInvite, attaching an SDP offer body
// naming payloadTypes so tests can exercise AcceptWithOffer's negotiation.
func newInviteWithOffer(t *testing.T, callID, branch string, payloadTypes []int) *message.Request {
	t.Helper()
	req := newInvite(t, callID, branch)
	offer := sdp.BuildOffer("198.51.100.10", 20000, payloadTypes, false, sdp.SendRecv)
	ct := header.ContentType{Type: "application", Subtype: "sdp"}
	req.Hdrs.AppendHeader(&ct)
	req.SetBody(sdp.Build(offer))
	return req
}

type harness struct {
	uas *uas.UAS
	tp  *fakeTransport
	txl *transaction.Layer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tp := newFakeTransport("UDP")
	tpl := transport.NewLayer(nil, nil)
	tpl.RegisterTransport(tp)

	u := uas.NewUAS(mustParseURI(t, "sip:bob@callee.example.com:5060"),
		[]types.RequestMethod{types.RequestMethodInvite, types.RequestMethodBye, types.RequestMethodOptions}, nil)

	txl := transaction.NewLayer(tpl, u.HandleRequest, nil)
	t.Cleanup(txl.Close)

	return &harness{uas: u, tp: tp, txl: txl}
}

func (h *harness) deliver(t *testing.T, req *message.Request) {
	t.Helper()
	h.tp.messages <- &transport.Incoming{
		Msg:    req,
		Remote: &net.UDPAddr{IP: net.ParseIP("192.0.2.20"), Port: 5060},
		Proto:  "UDP",
	}
	time.Sleep(20 * time.Millisecond)
}

func TestHandleInvite_CreatesCallAndExtractsXHeaders(t *testing.T) {
	h := newHarness(t)

	var got *uas.IncomingCall
	done := make(chan struct{})
	h.uas.OnInvite = func(call *uas.IncomingCall) {
		got = call
		close(done)
	}

	h.deliver(t, newInvite(t, "call-1@example.com", "z9hG4bK-1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnInvite was not called")
	}

	if got.CallID() != "call-1@example.com" {
		t.Fatalf("unexpected call-id: %q", got.CallID())
	}
	if v := got.XHeaders()["X-Room-Id"]; v != "42" {
		t.Fatalf("expected X-Room-Id to be extracted, got %q", v)
	}
	if _, ok := h.uas.GetCall("call-1@example.com"); !ok {
		t.Fatal("expected call to be tracked in the active-calls table")
	}
}

func TestIncomingCall_AcceptConfirmsDialogAndSetsContact(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	h.deliver(t, newInvite(t, "call-2@example.com", "z9hG4bK-2"))
	call := <-callCh

	if err := call.Accept(context.Background(), []byte("v=0\r\n")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if call.Dialog().State() != dialog.Confirmed {
		t.Fatalf("expected dialog Confirmed after Accept, got %v", call.Dialog().State())
	}

	resps := h.tp.sentResponses()
	if len(resps) == 0 || resps[len(resps)-1].Status != 200 {
		t.Fatalf("expected a 200 OK to be sent, got %+v", resps)
	}
	if _, ok := resps[len(resps)-1].Contact(); !ok {
		t.Fatal("expected 200 OK to carry a Contact header")
	}

	if err := call.Accept(context.Background(), nil); err != uas.ErrAlreadyAnswered {
		t.Fatalf("expected ErrAlreadyAnswered on double accept, got %v", err)
	}
}

func TestIncomingCall_RejectWithoutRingingCreatesNoDialog(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	h.deliver(t, newInvite(t, "call-3@example.com", "z9hG4bK-3"))
	call := <-callCh

	if err := call.Reject(context.Background(), 486, "Busy Here"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if call.Dialog() != nil {
		t.Fatalf("expected no dialog to be created by a bare Reject, got %v", call.Dialog())
	}

	resps := h.tp.sentResponses()
	if len(resps) == 0 || resps[len(resps)-1].Status != 486 {
		t.Fatalf("expected a 486 to be sent, got %+v", resps)
	}
}

func TestIncomingCall_RejectAfterRingingTerminatesDialog(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	h.deliver(t, newInvite(t, "call-3b@example.com", "z9hG4bK-3b"))
	call := <-callCh

	if err := call.Ringing(context.Background(), nil); err != nil {
		t.Fatalf("Ringing: %v", err)
	}
	if call.Dialog() == nil || call.Dialog().State() != dialog.Early {
		t.Fatalf("expected an Early dialog after Ringing, got %v", call.Dialog())
	}

	if err := call.Reject(context.Background(), 486, "Busy Here"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if call.Dialog().State() != dialog.Terminated {
		t.Fatalf("expected dialog Terminated after Reject, got %v", call.Dialog().State())
	}
}

func TestHandleAck_ConfirmsDialog(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	inv := newInvite(t, "call-4@example.com", "z9hG4bK-4")
	h.deliver(t, inv)
	call := <-callCh

	if err := call.Accept(context.Background(), nil); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	ack := message.NewRequest(types.RequestMethodAck, mustParseURI(t, "sip:bob@example.com"))
	ack.Hdrs.AppendHeader(header.Via{{
		Proto: types.ProtoInfo{Name: "SIP", Version: "2.0"}, Transport: "UDP",
		Addr: types.HostPort("caller.example.com", 5060), Params: header.Values{"branch": []string{"z9hG4bK-4ack"}},
	}})
	ack.Hdrs.AppendHeader(header.CallID("call-4@example.com"))
	ack.Hdrs.AppendHeader(&header.CSeq{SeqNum: 1, Method: types.RequestMethodAck})
	h.deliver(t, ack)

	if call.Dialog().State() != dialog.Confirmed {
		t.Fatalf("expected dialog Confirmed, got %v", call.Dialog().State())
	}
}

func TestHandleBye_DispatchesAndRespondsOK(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	var byeCall *uas.IncomingCall
	byeDone := make(chan struct{})
	h.uas.OnBye = func(call *uas.IncomingCall, req *message.Request) {
		byeCall = call
		close(byeDone)
	}

	h.deliver(t, newInvite(t, "call-5@example.com", "z9hG4bK-5"))
	call := <-callCh
	call.Accept(context.Background(), nil) //nolint:errcheck

	bye := message.NewRequest(types.RequestMethodBye, mustParseURI(t, "sip:bob@example.com"))
	bye.Hdrs.AppendHeader(header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      types.HostPort("caller.example.com", 5060),
		Params:    header.Values{"branch": []string{"z9hG4bK-5bye"}},
	}})
	bye.Hdrs.AppendHeader(header.CallID("call-5@example.com"))
	bye.Hdrs.AppendHeader(&header.CSeq{SeqNum: 2, Method: types.RequestMethodBye})
	h.deliver(t, bye)

	select {
	case <-byeDone:
	case <-time.After(time.Second):
		t.Fatal("OnBye was not called")
	}
	if byeCall.CallID() != "call-5@example.com" {
		t.Fatalf("unexpected call passed to OnBye: %q", byeCall.CallID())
	}
	if call.Dialog().State() != dialog.Terminated {
		t.Fatalf("expected dialog Terminated after BYE, got %v", call.Dialog().State())
	}
	if _, ok := h.uas.GetCall("call-5@example.com"); ok {
		t.Fatal("expected call to be removed from the active-calls table after BYE")
	}
}

func TestHandleBye_UnknownCallIDGets481(t *testing.T) {
	h := newHarness(t)

	bye := message.NewRequest(types.RequestMethodBye, mustParseURI(t, "sip:bob@example.com"))
	bye.Hdrs.AppendHeader(header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      types.HostPort("caller.example.com", 5060),
		Params:    header.Values{"branch": []string{"z9hG4bK-bye"}},
	}})
	bye.Hdrs.AppendHeader(header.CallID("no-such-call@example.com"))
	bye.Hdrs.AppendHeader(&header.CSeq{SeqNum: 2, Method: types.RequestMethodBye})
	h.deliver(t, bye)

	resps := h.tp.sentResponses()
	if len(resps) == 0 || resps[len(resps)-1].Status != 481 {
		t.Fatalf("expected 481, got %+v", resps)
	}
}

func TestHandleCancel_BeforeAnswerSends487(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	var cancelled *uas.IncomingCall
	cancelDone := make(chan struct{})
	h.uas.OnCancel = func(call *uas.IncomingCall) {
		cancelled = call
		close(cancelDone)
	}

	h.deliver(t, newInvite(t, "call-6@example.com", "z9hG4bK-6"))
	<-callCh

	cancel := message.NewRequest(types.RequestMethodCancel, mustParseURI(t, "sip:bob@example.com"))
	cancel.Hdrs.AppendHeader(header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      types.HostPort("caller.example.com", 5060),
		Params:    header.Values{"branch": []string{"z9hG4bK-6"}},
	}})
	cancel.Hdrs.AppendHeader(header.CallID("call-6@example.com"))
	cancel.Hdrs.AppendHeader(&header.CSeq{SeqNum: 1, Method: types.RequestMethodCancel})
	h.deliver(t, cancel)

	select {
	case <-cancelDone:
	case <-time.After(time.Second):
		t.Fatal("OnCancel was not called")
	}
	if cancelled.CallID() != "call-6@example.com" {
		t.Fatalf("unexpected call passed to OnCancel: %q", cancelled.CallID())
	}

	var sawOK, saw487 bool
	for _, resp := range h.tp.sentResponses() {
		switch resp.Status {
		case 200:
			sawOK = true
		case 487:
			saw487 = true
		}
	}
	if !sawOK || !saw487 {
		t.Fatalf("expected both 200 (CANCEL) and 487 (INVITE) to be sent, sawOK=%v saw487=%v", sawOK, saw487)
	}
}

func TestHandleOptions_DefaultRespondsWithAllow(t *testing.T) {
	h := newHarness(t)

	opts := message.NewRequest(types.RequestMethodOptions, mustParseURI(t, "sip:bob@example.com"))
	opts.Hdrs.AppendHeader(header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      types.HostPort("caller.example.com", 5060),
		Params:    header.Values{"branch": []string{"z9hG4bK-opts"}},
	}})
	opts.Hdrs.AppendHeader(header.CallID("opts-1@example.com"))
	opts.Hdrs.AppendHeader(&header.CSeq{SeqNum: 1, Method: types.RequestMethodOptions})
	h.deliver(t, opts)

	resps := h.tp.sentResponses()
	if len(resps) == 0 || resps[len(resps)-1].Status != 200 {
		t.Fatalf("expected 200 OK, got %+v", resps)
	}
	if _, ok := resps[len(resps)-1].Hdrs.GetHeader("Allow"); !ok {
		t.Fatal("expected default OPTIONS response to carry Allow")
	}
}

func TestHandleInfo_DispatchesAndRespondsOK(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	var infoCall *uas.IncomingCall
	infoDone := make(chan struct{})
	h.uas.OnInfo = func(call *uas.IncomingCall, req *message.Request) {
		infoCall = call
		close(infoDone)
	}

	h.deliver(t, newInvite(t, "call-7@example.com", "z9hG4bK-7"))
	call := <-callCh
	call.Accept(context.Background(), nil) //nolint:errcheck

	info := message.NewRequest(types.RequestMethodInfo, mustParseURI(t, "sip:bob@example.com"))
	info.Hdrs.AppendHeader(header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      types.HostPort("caller.example.com", 5060),
		Params:    header.Values{"branch": []string{"z9hG4bK-info"}},
	}})
	info.Hdrs.AppendHeader(header.CallID("call-7@example.com"))
	info.Hdrs.AppendHeader(&header.CSeq{SeqNum: 2, Method: types.RequestMethodInfo})
	h.deliver(t, info)

	select {
	case <-infoDone:
	case <-time.After(time.Second):
		t.Fatal("OnInfo was not called")
	}
	if infoCall.CallID() != "call-7@example.com" {
		t.Fatalf("unexpected call passed to OnInfo: %q", infoCall.CallID())
	}

	resps := h.tp.sentResponses()
	if len(resps) == 0 || resps[len(resps)-1].Status != 200 {
		t.Fatalf("expected 200 OK, got %+v", resps)
	}
}

func TestIncomingCall_AcceptWithOffer_NegotiatesAnswer(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	h.deliver(t, newInviteWithOffer(t, "call-8@example.com", "z9hG4bK-8", []int{0, 8}))
	call := <-callCh

	offer, ok := call.Offer()
	if !ok {
		t.Fatal("expected call to carry a parsed SDP offer")
	}
	if _, ok := offer.FirstAudio(); !ok {
		t.Fatal("expected offer to carry an audio media description")
	}

	if err := call.AcceptWithOffer(context.Background(), "203.0.113.5", 30000, []int{8, 0}, false); err != nil {
		t.Fatalf("AcceptWithOffer: %v", err)
	}
	if call.Dialog().State() != dialog.Confirmed {
		t.Fatalf("expected dialog Confirmed after AcceptWithOffer, got %v", call.Dialog().State())
	}

	resps := h.tp.sentResponses()
	if len(resps) == 0 || resps[len(resps)-1].Status != 200 {
		t.Fatalf("expected a 200 OK to be sent, got %+v", resps)
	}

	answer, err := sdp.Parse(resps[len(resps)-1].Body())
	if err != nil {
		t.Fatalf("sdp.Parse(answer body): %v", err)
	}
	audio, ok := answer.FirstAudio()
	if !ok {
		t.Fatal("expected negotiated answer to carry an audio media description")
	}
	if len(audio.Codecs) != 1 || audio.Codecs[0].PayloadType != 8 {
		t.Fatalf("expected the answer to choose payload type 8 (the answerer's preference), got %+v", audio.Codecs)
	}
}

func TestIncomingCall_AcceptWithOffer_RejectsOnCodecMismatch(t *testing.T) {
	h := newHarness(t)

	callCh := make(chan *uas.IncomingCall, 1)
	h.uas.OnInvite = func(call *uas.IncomingCall) { callCh <- call }

	h.deliver(t, newInviteWithOffer(t, "call-9@example.com", "z9hG4bK-9", []int{0}))
	call := <-callCh

	err := call.AcceptWithOffer(context.Background(), "203.0.113.5", 30000, []int{9}, false)
	if err != nil {
		t.Fatalf("AcceptWithOffer: %v, want nil (rejection is reported via the sent response, not an error)", err)
	}

	resps := h.tp.sentResponses()
	if len(resps) == 0 || resps[len(resps)-1].Status != 488 {
		t.Fatalf("expected 488 Not Acceptable Here on codec mismatch, got %+v", resps)
	}

	if err := call.Accept(context.Background(), nil); err != uas.ErrAlreadyAnswered {
		t.Fatalf("expected the call to already be answered after the 488, got %v", err)
	}
}
