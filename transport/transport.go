// Package transport implements the SIP transport layer (RFC 3261 §18):
// sending and receiving framed messages over UDP and TCP, and resolving a
// request's next-hop target.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
)

// DefaultPort is the well-known SIP port for UDP and TCP (RFC 3261 §18.2.1).
const DefaultPort uint16 = 5060

// bufferSize is sized for the largest payload a single UDP/IPv4 datagram
// can carry (65535 minus the 20-byte IP and 8-byte UDP headers).
const bufferSize = 65535 - 20 - 8

// Target is a resolved next-hop endpoint: an address plus the transport
// protocol used to reach it.
type Target struct {
	Addr     types.Addr
	Protocol types.TransportProto
}

func (t Target) String() string {
	return fmt.Sprintf("%s %s", t.Protocol, t.Addr)
}

// hostPort returns "host:port", filling in DefaultPort when the target has
// none.
func (t Target) hostPort() string {
	if port, ok := t.Addr.Port(); ok {
		return fmt.Sprintf("%s:%d", t.Addr.Host(), port)
	}
	return fmt.Sprintf("%s:%d", t.Addr.Host(), DefaultPort)
}

// Incoming carries a parsed message together with the addresses it arrived
// over, so upper layers can build a correct response Via/route.
type Incoming struct {
	Msg   message.Message
	Local net.Addr
	Remote net.Addr
	// Proto is the protocol the message arrived on ("UDP", "TCP", ...).
	Proto types.TransportProto
}

// Transport is the common surface implemented by each concrete protocol
// handler (UDP, TCP).
type Transport interface {
	// Network returns the protocol name, e.g. "UDP".
	Network() types.TransportProto
	// Reliable reports whether the transport guarantees in-order delivery
	// (true for TCP, false for UDP).
	Reliable() bool
	// Listen starts accepting/receiving on the given local target.
	Listen(ctx context.Context, target Target) error
	// Send delivers msg to target, establishing a connection if needed.
	Send(ctx context.Context, target Target, msg message.Message) error
	// Messages returns the channel on which received messages are
	// delivered.
	Messages() <-chan *Incoming
	// Errors returns the channel on which asynchronous transport errors
	// are delivered.
	Errors() <-chan error
	// Close releases all sockets held by the transport.
	Close() error
}

// Error is the common interface satisfied by transport-level errors.
type Error interface {
	error
	// Network indicates the error occurred at the network/socket level.
	Network() bool
}

// ProtocolError wraps a low-level error with the protocol and operation
// that produced it.
type ProtocolError struct {
	Err      error
	Op       string
	Protocol types.TransportProto
}

func (e *ProtocolError) Network() bool { return true }
func (e *ProtocolError) Unwrap() error { return e.Err }
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: %s %s: %s", e.Protocol, e.Op, e.Err)
}

// UnsupportedProtocolError is returned by Layer.Send/Listen when no
// transport is registered for the requested protocol.
type UnsupportedProtocolError types.TransportProto

func (e UnsupportedProtocolError) Network() bool { return false }
func (e UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("transport: unsupported protocol %q", types.TransportProto(e))
}
