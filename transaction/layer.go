package transaction

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/header"
	internallog "github.com/coredial/sipua/internal/log"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/transport"
)

// RequestHandler is invoked for a newly arrived request that does not match
// any existing server transaction; it should reply on tx as appropriate.
type RequestHandler func(ctx context.Context, req *message.Request, tx *ServerTransaction)

// Layer sits above transport.Layer, creating and matching client and server
// transactions per RFC 3261 §17.
type Layer struct {
	log *slog.Logger
	tpl *transport.Layer

	mu      sync.RWMutex
	clients map[Key]*ClientTransaction
	servers map[Key]*ServerTransaction

	handler RequestHandler

	responses chan *message.Response
	errs      chan error
	done      chan struct{}
}

// NewLayer constructs a Layer over tpl. handler is invoked for every
// request that doesn't match an in-flight server transaction.
func NewLayer(tpl *transport.Layer, handler RequestHandler, log *slog.Logger) *Layer {
	if log == nil {
		log = internallog.Noop
	}
	txl := &Layer{
		log:       log,
		tpl:       tpl,
		clients:   make(map[Key]*ClientTransaction),
		servers:   make(map[Key]*ServerTransaction),
		handler:   handler,
		responses: make(chan *message.Response, 128),
		errs:      make(chan error, 32),
		done:      make(chan struct{}),
	}
	go txl.listen()
	return txl
}

func (txl *Layer) listen() {
	for {
		select {
		case in, ok := <-txl.tpl.Messages():
			if !ok {
				return
			}
			go txl.dispatch(in)
		case err, ok := <-txl.tpl.Errors():
			if !ok {
				return
			}
			select {
			case txl.errs <- err:
			case <-txl.done:
			}
		case <-txl.done:
			return
		}
	}
}

func (txl *Layer) dispatch(in *transport.Incoming) {
	switch msg := in.Msg.(type) {
	case *message.Request:
		txl.handleRequest(msg, in)
	case *message.Response:
		txl.handleResponse(msg)
	default:
		txl.log.Warn("transaction layer received unrecognized message type")
	}
}

func (txl *Layer) handleRequest(req *message.Request, in *transport.Incoming) {
	key, ok := RequestKey(req)
	if !ok {
		txl.log.Warn("dropping request with no matchable branch", "method", req.Method)
		return
	}

	// A CANCEL folds to the same key as the INVITE it cancels, per RFC 3261
	// §9.2, but it still needs its own tracked transaction and its own
	// response: it is never itself a retransmission of that INVITE.
	isCancel := req.Method.ToUpper() == types.RequestMethodCancel

	txl.mu.RLock()
	tx, exists := txl.servers[key]
	txl.mu.RUnlock()

	if exists && !isCancel {
		tx.ReceiveRequest(context.Background(), req)
		return
	}

	origin := transport.Target{Addr: addrOf(in.Remote), Protocol: in.Proto}
	tp, ok := txl.transportFor(in.Proto)
	if !ok {
		txl.log.Warn("no transport registered for incoming protocol", "proto", in.Proto)
		return
	}

	newTx, err := NewServerTransaction(req, tp, origin, txl.log)
	if err != nil {
		txl.log.Warn("failed to create server transaction", "error", err)
		return
	}

	storeKey := newTx.Key()
	txl.mu.Lock()
	txl.servers[storeKey] = newTx
	txl.mu.Unlock()

	go func() {
		<-newTx.Done()
		txl.mu.Lock()
		delete(txl.servers, storeKey)
		txl.mu.Unlock()
	}()

	if txl.handler != nil {
		txl.handler(context.Background(), req, newTx)
	}
}

func (txl *Layer) handleResponse(resp *message.Response) {
	key, ok := ResponseKey(resp)
	if !ok {
		txl.log.Warn("dropping response with no matchable branch", "status", resp.Status)
		return
	}

	txl.mu.RLock()
	tx, exists := txl.clients[key]
	txl.mu.RUnlock()

	if !exists {
		// RFC 3261 §17.1.1.2: unmatched responses are passed directly to the
		// transaction user rather than discarded.
		select {
		case txl.responses <- resp:
		case <-txl.done:
		}
		return
	}
	tx.Receive(resp)
}

// SendRequest resolves the request's destination, creates a client
// transaction for it, and returns the transaction to await responses on.
func (txl *Layer) SendRequest(ctx context.Context, protocol types.TransportProto, host string, port uint16, req *message.Request) (*ClientTransaction, error) {
	tp, ok := txl.transportFor(protocol)
	if !ok {
		return nil, errtrace.Wrap(transport.UnsupportedProtocolError(protocol))
	}

	target, err := txl.tpl.Resolve(ctx, protocol, host, port)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if _, ok := req.Via(); !ok {
		req.Hdrs.AppendHeader(defaultVia(protocol))
	}

	tx, err := NewClientTransaction(ctx, tp, target, req, txl.log)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := tx.Key()
	txl.mu.Lock()
	txl.clients[key] = tx
	txl.mu.Unlock()

	go func() {
		<-tx.Done()
		txl.mu.Lock()
		delete(txl.clients, key)
		txl.mu.Unlock()
	}()

	return tx, nil
}

func (txl *Layer) transportFor(protocol types.TransportProto) (transport.Transport, bool) {
	return txl.tpl.TransportFor(protocol)
}

func addrOf(a net.Addr) types.Addr {
	switch v := a.(type) {
	case *net.UDPAddr:
		return types.HostPort(v.IP.String(), uint16(v.Port))
	case *net.TCPAddr:
		return types.HostPort(v.IP.String(), uint16(v.Port))
	default:
		return types.Host(a.String())
	}
}

// defaultVia builds a bare Via header carrying a fresh branch when the
// caller hasn't already stamped one on the request. The sent-by address is
// left for the dialog/UA layer to fill in with the local contact once it
// knows which local socket the request goes out on; callers that build
// requests through uac normally set Via themselves.
func defaultVia(protocol types.TransportProto) header.Header {
	return header.Via{{
		Proto:     types.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: protocol,
		Params:    header.Values{"branch": []string{NewBranch()}},
	}}
}

// Responses returns the channel on which responses that don't match any
// tracked client transaction are delivered, per RFC 3261 §17.1.1.2.
func (txl *Layer) Responses() <-chan *message.Response { return txl.responses }

// Errors returns the channel on which asynchronous transport errors are
// delivered.
func (txl *Layer) Errors() <-chan error { return txl.errs }

// Close stops the layer's dispatch loop. It does not close the underlying
// transport.Layer.
func (txl *Layer) Close() {
	close(txl.done)
}
