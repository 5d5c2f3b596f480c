package transaction_test

import (
	"context"
	"sync"

	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/transport"
)

// fakeTransport is an in-memory transport.Transport used to drive
// transaction tests without touching real sockets.
type fakeTransport struct {
	network  types.TransportProto
	reliable bool

	mu   sync.Mutex
	sent []message.Message

	messages chan *transport.Incoming
	errs     chan error
}

func newFakeTransport(network types.TransportProto, reliable bool) *fakeTransport {
	return &fakeTransport{
		network:  network,
		reliable: reliable,
		messages: make(chan *transport.Incoming, 32),
		errs:     make(chan error, 8),
	}
}

func (f *fakeTransport) Network() types.TransportProto { return f.network }
func (f *fakeTransport) Reliable() bool                { return f.reliable }
func (f *fakeTransport) Listen(ctx context.Context, target transport.Target) error {
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, target transport.Target, msg message.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Messages() <-chan *transport.Incoming { return f.messages }
func (f *fakeTransport) Errors() <-chan error                 { return f.errs }
func (f *fakeTransport) Close() error                         { return nil }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}
