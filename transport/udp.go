package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
)

// UDPTransport implements Transport over UDP: one whole datagram per
// message, both ways.
type UDPTransport struct {
	log *slog.Logger

	conn     *net.UDPConn
	messages chan *Incoming
	errs     chan error
}

// NewUDPTransport constructs a UDP transport. Call Listen before Send if the
// transport should also receive.
func NewUDPTransport(log *slog.Logger) *UDPTransport {
	return &UDPTransport{
		log:      log,
		messages: make(chan *Incoming, 64),
		errs:     make(chan error, 16),
	}
}

func (t *UDPTransport) Network() types.TransportProto { return "UDP" }
func (t *UDPTransport) Reliable() bool                { return false }
func (t *UDPTransport) Messages() <-chan *Incoming    { return t.messages }
func (t *UDPTransport) Errors() <-chan error          { return t.errs }

// Listen opens a UDP socket on target and starts a goroutine reading
// datagrams into Messages until ctx is done or Close is called.
func (t *UDPTransport) Listen(ctx context.Context, target Target) error {
	laddr, err := net.ResolveUDPAddr("udp", target.hostPort())
	if err != nil {
		return &ProtocolError{Err: err, Op: "resolve local address", Protocol: t.Network()}
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return &ProtocolError{Err: err, Op: "listen", Protocol: t.Network()}
	}
	t.conn = conn

	go t.serve(ctx, conn)
	return nil
}

func (t *UDPTransport) serve(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, bufferSize)
	var codec message.Codec

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case t.errs <- &ProtocolError{Err: err, Op: "read", Protocol: t.Network()}:
			case <-ctx.Done():
			}
			return
		}

		msg, err := codec.ReadDatagram(buf[:n])
		if err != nil {
			t.log.WarnContext(ctx, "dropped malformed datagram", "remote", raddr, "error", err)
			continue
		}

		select {
		case t.messages <- &Incoming{Msg: msg, Local: conn.LocalAddr(), Remote: raddr, Proto: t.Network()}:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes msg to target as a single UDP datagram.
func (t *UDPTransport) Send(_ context.Context, target Target, msg message.Message) error {
	raddr, err := net.ResolveUDPAddr("udp", target.hostPort())
	if err != nil {
		return &ProtocolError{Err: err, Op: "resolve remote address", Protocol: t.Network()}
	}

	conn := t.conn
	if conn == nil {
		dialed, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return &ProtocolError{Err: err, Op: "dial", Protocol: t.Network()}
		}
		defer dialed.Close()

		buf := &sliceWriter{}
		if _, err := msg.RenderTo(buf, nil); err != nil {
			return &ProtocolError{Err: err, Op: "render", Protocol: t.Network()}
		}
		if _, err := dialed.Write(buf.data); err != nil {
			return &ProtocolError{Err: err, Op: "write", Protocol: t.Network()}
		}
		return nil
	}

	var out []byte
	buf := &sliceWriter{}
	if _, err := msg.RenderTo(buf, nil); err != nil {
		return &ProtocolError{Err: err, Op: "render", Protocol: t.Network()}
	}
	out = buf.data

	if _, err := conn.WriteToUDP(out, raddr); err != nil {
		return &ProtocolError{Err: fmt.Errorf("write to %s: %w", raddr, err), Op: "write", Protocol: t.Network()}
	}
	return nil
}

// LocalAddr returns the address the transport is listening on, or nil if
// Listen hasn't been called.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// sliceWriter is a minimal io.Writer accumulating into a byte slice,
// avoiding an extra bytes.Buffer allocation for the common single-write
// render path.
type sliceWriter struct{ data []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
