package uac_test

import (
	"context"
	"sync"
	"testing"

	"github.com/coredial/sipua/dialog"
	"github.com/coredial/sipua/header"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/transaction"
	"github.com/coredial/sipua/transport"
	"github.com/coredial/sipua/uac"
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

func (f *fakeTransport) Network() types.TransportProto { return f.network }
func (f *fakeTransport) Reliable() bool                { return f.reliable }
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

func (f *fakeTransport) lastSent() *message.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	req, _ := f.sent[len(f.sent)-1].(*message.Request)
	return req
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func mustParseURI(t *testing.T, s string) uri.URI {
	t.Helper()
	u, err := uri.Parse(s)
	if err != nil {
		t.Fatalf("uri.Parse(%q): %v", s, err)
	}
	return u
}

func newHarness(t *testing.T) (*uac.UAC, *fakeTransport) {
	t.Helper()
	tp := newFakeTransport("UDP")
	tpl := transport.NewLayer(nil, nil)
	tpl.RegisterTransport(tp)
	txl := transaction.NewLayer(tpl, nil, nil)
	t.Cleanup(txl.Close)

	u := uac.NewUAC(txl, types.HostPort("caller.example.com", 5060), "UDP",
		mustParseURI(t, "sip:alice@caller.example.com:5060"), nil)
	return u, tp
}

func confirmedDialog(t *testing.T) *dialog.Dialog {
	t.Helper()
	req := message.NewRequest(types.RequestMethodInvite, mustParseURI(t, "sip:bob@example.com"))
	req.Hdrs.AppendHeader(&header.From{
		URI:    mustParseURI(t, "sip:alice@example.com"),
		Params: header.Values{"tag": []string{"from-tag"}},
	})
	req.Hdrs.AppendHeader(&header.CSeq{SeqNum: 1, Method: types.RequestMethodInvite})

	resp := message.NewResponse(200)
	resp.Hdrs.AppendHeader(&header.To{
		URI:    mustParseURI(t, "sip:bob@example.com"),
		Params: header.Values{"tag": []string{"to-tag"}},
	})
	resp.Hdrs.AppendHeader(header.CallID("call-1@example.com"))
	resp.Hdrs.AppendHeader(header.Contact{{URI: mustParseURI(t, "sip:bob@callee.example.com:5060")}})

	return dialog.NewFromResponse(req, resp)
}

func TestSendBye_RequiresConfirmedDialog(t *testing.T) {
	u, _ := newHarness(t)
	req := message.NewRequest(types.RequestMethodInvite, mustParseURI(t, "sip:bob@example.com"))
	early := dialog.NewFromRequest(req, nil)

	_, err := u.SendBye(context.Background(), early, types.HostPort("192.0.2.20", 5060))
	if err == nil {
		t.Fatal("expected SendBye on an Early dialog to fail")
	}
}

func TestSendBye_SendsAndTerminatesDialog(t *testing.T) {
	u, tp := newHarness(t)
	d := confirmedDialog(t)

	_, err := u.SendBye(context.Background(), d, types.HostPort("192.0.2.20", 5060))
	if err != nil {
		t.Fatalf("SendBye: %v", err)
	}
	if tp.sentCount() != 1 {
		t.Fatalf("expected 1 sent message, got %d", tp.sentCount())
	}
	if sent := tp.lastSent(); sent == nil || sent.Method != types.RequestMethodBye {
		t.Fatalf("expected a BYE to be sent, got %+v", sent)
	}
	if d.State() != dialog.Terminated {
		t.Fatalf("expected dialog to terminate after BYE, got %v", d.State())
	}
}

func TestSendReinvite_SetsSdpBodyAndContentType(t *testing.T) {
	u, tp := newHarness(t)
	d := confirmedDialog(t)

	body := []byte("v=0\r\n")
	_, err := u.SendReinvite(context.Background(), d, body, types.HostPort("192.0.2.20", 5060))
	if err != nil {
		t.Fatalf("SendReinvite: %v", err)
	}
	sent := tp.lastSent()
	if sent == nil || sent.Method != types.RequestMethodInvite {
		t.Fatalf("expected re-INVITE to be sent, got %+v", sent)
	}
	if string(sent.Body()) != string(body) {
		t.Fatalf("expected SDP body to be set, got %q", sent.Body())
	}
	if d.State() != dialog.Confirmed {
		t.Fatalf("expected dialog to stay Confirmed after re-INVITE, got %v", d.State())
	}
}

func TestSendReinviteOffer_BuildsOfferFromPreferences(t *testing.T) {
	u, tp := newHarness(t)
	d := confirmedDialog(t)

	_, err := u.SendReinviteOffer(context.Background(), d, []int{0, 8}, true, "sendrecv", types.HostPort("192.0.2.20", 5060))
	if err != nil {
		t.Fatalf("SendReinviteOffer: %v", err)
	}
	sent := tp.lastSent()
	if sent == nil || len(sent.Body()) == 0 {
		t.Fatal("expected a built SDP offer body")
	}
}

func TestSendCancel_RequiresEarlyDialog(t *testing.T) {
	u, _ := newHarness(t)
	d := confirmedDialog(t)

	_, err := u.SendCancel(context.Background(), d, types.HostPort("192.0.2.20", 5060))
	if err == nil {
		t.Fatal("expected SendCancel on a Confirmed dialog to fail")
	}
}

func TestSendCancel_SendsAndTerminatesDialog(t *testing.T) {
	u, tp := newHarness(t)
	req := message.NewRequest(types.RequestMethodInvite, mustParseURI(t, "sip:bob@example.com"))
	req.Hdrs.AppendHeader(header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      types.HostPort("192.0.2.10", 5060),
		Params:    header.Values{"branch": []string{"z9hG4bK-invite-branch"}},
	}})
	req.Hdrs.AppendHeader(&header.From{
		URI:    mustParseURI(t, "sip:alice@example.com"),
		Params: header.Values{"tag": []string{"from-tag"}},
	})
	req.Hdrs.AppendHeader(&header.CSeq{SeqNum: 1, Method: types.RequestMethodInvite})
	resp := message.NewResponse(180)
	resp.Hdrs.AppendHeader(&header.To{
		URI:    mustParseURI(t, "sip:bob@example.com"),
		Params: header.Values{"tag": []string{"to-tag"}},
	})
	resp.Hdrs.AppendHeader(header.CallID("call-2@example.com"))
	d := dialog.NewFromResponse(req, resp)

	_, err := u.SendCancel(context.Background(), d, types.HostPort("192.0.2.20", 5060))
	if err != nil {
		t.Fatalf("SendCancel: %v", err)
	}
	sent := tp.lastSent()
	if sent == nil || sent.Method != types.RequestMethodCancel {
		t.Fatalf("expected a CANCEL to be sent, got %+v", sent)
	}
	if cseq, ok := sent.CSeq(); !ok || cseq.SeqNum != 1 {
		t.Fatalf("expected CANCEL to reuse the INVITE's CSeq, got %+v", cseq)
	}
	via, ok := sent.Via()
	if !ok || len(via) == 0 {
		t.Fatal("expected CANCEL to carry a Via header")
	}
	if branch, _ := via[0].Params.First("branch"); branch != "z9hG4bK-invite-branch" {
		t.Fatalf("expected CANCEL to reuse the INVITE's branch, got %q", branch)
	}
	if d.State() != dialog.Terminated {
		t.Fatalf("expected dialog to terminate after CANCEL, got %v", d.State())
	}
}

func TestSendInfo_SetsContentType(t *testing.T) {
	u, tp := newHarness(t)
	d := confirmedDialog(t)

	_, err := u.SendInfo(context.Background(), d, []byte("dtmf=1"), "application/dtmf-relay", types.HostPort("192.0.2.20", 5060))
	if err != nil {
		t.Fatalf("SendInfo: %v", err)
	}
	sent := tp.lastSent()
	if sent == nil || sent.Method != types.RequestMethodInfo {
		t.Fatalf("expected an INFO to be sent, got %+v", sent)
	}
	if string(sent.Body()) != "dtmf=1" {
		t.Fatalf("expected body to be set, got %q", sent.Body())
	}
}
