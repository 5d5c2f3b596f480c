package transport

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
)

// TCPTransport implements Transport over TCP: Content-Length-framed
// messages read incrementally off persistent connections, one accepted or
// dialed connection per remote peer.
type TCPTransport struct {
	log *slog.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn

	messages chan *Incoming
	errs     chan error
}

// NewTCPTransport constructs a TCP transport. Call Listen before Send if
// the transport should also accept inbound connections.
func NewTCPTransport(log *slog.Logger) *TCPTransport {
	return &TCPTransport{
		log:      log,
		conns:    make(map[string]net.Conn),
		messages: make(chan *Incoming, 64),
		errs:     make(chan error, 16),
	}
}

func (t *TCPTransport) Network() types.TransportProto { return "TCP" }
func (t *TCPTransport) Reliable() bool                { return true }
func (t *TCPTransport) Messages() <-chan *Incoming    { return t.messages }
func (t *TCPTransport) Errors() <-chan error          { return t.errs }

// Listen opens a TCP listener on target and accepts connections until ctx
// is done or Close is called.
func (t *TCPTransport) Listen(ctx context.Context, target Target) error {
	laddr, err := net.ResolveTCPAddr("tcp", target.hostPort())
	if err != nil {
		return &ProtocolError{Err: err, Op: "resolve local address", Protocol: t.Network()}
	}

	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return &ProtocolError{Err: err, Op: "listen", Protocol: t.Network()}
	}
	t.listener = ln

	go t.accept(ctx, ln)
	return nil
}

func (t *TCPTransport) accept(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case t.errs <- &ProtocolError{Err: err, Op: "accept", Protocol: t.Network()}:
			case <-ctx.Done():
			}
			return
		}

		t.track(conn)
		go t.serve(ctx, conn)
	}
}

func (t *TCPTransport) track(conn net.Conn) {
	t.mu.Lock()
	t.conns[conn.RemoteAddr().String()] = conn
	t.mu.Unlock()
}

func (t *TCPTransport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn.RemoteAddr().String())
	t.mu.Unlock()
}

func (t *TCPTransport) serve(ctx context.Context, conn net.Conn) {
	defer func() {
		t.untrack(conn)
		conn.Close()
	}()

	var codec message.Codec
	r := bufio.NewReader(conn)
	for {
		msg, err := codec.ReadStream(r)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.log.WarnContext(ctx, "closing stream after read error", "remote", conn.RemoteAddr(), "error", err)
			return
		}

		select {
		case t.messages <- &Incoming{Msg: msg, Local: conn.LocalAddr(), Remote: conn.RemoteAddr(), Proto: t.Network()}:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes msg on the existing connection to target's remote address,
// dialing a new one if none is tracked yet.
func (t *TCPTransport) Send(ctx context.Context, target Target, msg message.Message) error {
	conn, err := t.getOrDial(ctx, target)
	if err != nil {
		return err
	}

	if _, err := msg.RenderTo(conn, nil); err != nil {
		t.untrack(conn)
		conn.Close()
		return &ProtocolError{Err: err, Op: "write", Protocol: t.Network()}
	}
	return nil
}

func (t *TCPTransport) getOrDial(ctx context.Context, target Target) (net.Conn, error) {
	raddr, err := net.ResolveTCPAddr("tcp", target.hostPort())
	if err != nil {
		return nil, &ProtocolError{Err: err, Op: "resolve remote address", Protocol: t.Network()}
	}

	t.mu.Lock()
	conn, ok := t.conns[raddr.String()]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}

	var d net.Dialer
	conn, err = d.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, &ProtocolError{Err: err, Op: "dial", Protocol: t.Network()}
	}

	t.track(conn)
	go t.serve(ctx, conn)
	return conn, nil
}

// LocalAddr returns the address the transport is listening on, or nil if
// Listen hasn't been called.
func (t *TCPTransport) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]net.Conn)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
