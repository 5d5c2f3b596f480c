package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coredial/sipua/header"
	"github.com/coredial/sipua/internal/log"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/transport"
	"github.com/coredial/sipua/uri"
)

func TestTCPTransport_SendAndReceive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := transport.NewTCPTransport(log.Noop)
	listenTarget := transport.Target{Addr: types.HostPort("127.0.0.1", 0), Protocol: "TCP"}
	if err := server.Listen(ctx, listenTarget); err != nil {
		t.Fatalf("server.Listen() error = %v, want nil", err)
	}
	defer server.Close()

	serverAddr := server.LocalAddr()
	if serverAddr == nil {
		t.Fatal("server.LocalAddr() = nil, want a bound address")
	}

	client := transport.NewTCPTransport(log.Noop)
	defer client.Close()

	tcpAddr := serverAddr.(*net.TCPAddr)
	req := message.NewRequest(types.RequestMethodOptions, &uri.SIP{Addr: types.HostPort(tcpAddr.IP.String(), uint16(tcpAddr.Port))})
	req.Hdrs.AppendHeader(header.CallID("tcp-roundtrip"))
	req.Hdrs.AppendHeader(header.MaxForwards(70))

	sendTarget := transport.Target{Addr: types.HostPort(tcpAddr.IP.String(), uint16(tcpAddr.Port)), Protocol: "TCP"}
	if err := client.Send(ctx, sendTarget, req); err != nil {
		t.Fatalf("client.Send() error = %v, want nil", err)
	}

	select {
	case in := <-server.Messages():
		callID, ok := in.Msg.CallID()
		if !ok || callID != "tcp-roundtrip" {
			t.Errorf("received message Call-ID = (%q, %v), want (tcp-roundtrip, true)", callID, ok)
		}
	case err := <-server.Errors():
		t.Fatalf("server.Errors() = %v, want a message instead", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the stream message to arrive")
	}
}

func TestTCPTransport_ReusesConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := transport.NewTCPTransport(log.Noop)
	listenTarget := transport.Target{Addr: types.HostPort("127.0.0.1", 0), Protocol: "TCP"}
	if err := server.Listen(ctx, listenTarget); err != nil {
		t.Fatalf("server.Listen() error = %v, want nil", err)
	}
	defer server.Close()

	tcpAddr := server.LocalAddr().(*net.TCPAddr)
	client := transport.NewTCPTransport(log.Noop)
	defer client.Close()

	target := transport.Target{Addr: types.HostPort(tcpAddr.IP.String(), uint16(tcpAddr.Port)), Protocol: "TCP"}

	for i := 0; i < 2; i++ {
		req := message.NewRequest(types.RequestMethodOptions, &uri.SIP{Addr: target.Addr})
		req.Hdrs.AppendHeader(header.CallID("reuse"))
		req.Hdrs.AppendHeader(header.MaxForwards(70))
		if err := client.Send(ctx, target, req); err != nil {
			t.Fatalf("client.Send() call %d error = %v, want nil", i, err)
		}

		select {
		case <-server.Messages():
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}
