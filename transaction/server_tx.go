package transaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
	"github.com/coredial/sipua/timing"
	"github.com/coredial/sipua/transport"
)

const (
	serverTrying     = "Trying"
	serverProceeding = "Proceeding"
	serverCompleted  = "Completed"
	serverConfirmed  = "Confirmed"
	serverTerminated = "Terminated"
)

const (
	triggerRespond1xx  = "respond-1xx"
	triggerRespond2xx  = "respond-2xx"
	triggerRespondFail = "respond-failure"
	triggerRecvAck     = "recv-ack"
	triggerRetransmit  = "recv-retransmit"
)

// ServerTransaction tracks an incoming request and the responses sent for
// it, retransmitting the last final response on request retransmission and
// absorbing the ACK to a non-2xx final response, per RFC 3261 §17.2.
type ServerTransaction struct {
	key    Key
	req    *message.Request
	tp     transport.Transport
	origin transport.Target
	log    *slog.Logger
	invite bool

	sm *stateless.StateMachine

	mu       sync.Mutex
	lastResp *message.Response
	ack      chan *message.Request
	done     chan struct{}
	doneOnce sync.Once

	retransmit    timing.Timer
	retransmitGap time.Duration
	wait          timing.Timer
}

// NewServerTransaction constructs a server transaction for an incoming req
// arriving from origin over tp.
func NewServerTransaction(req *message.Request, tp transport.Transport, origin transport.Target, log *slog.Logger) (*ServerTransaction, error) {
	key, ok := RequestKey(req)
	if !ok {
		return nil, ErrTransactionTerminated
	}
	if req.Method.ToUpper() == types.RequestMethodCancel {
		// RequestKey folds CANCEL into its INVITE's key for matching, but a
		// CANCEL still owns its own transaction and its own response, so it
		// needs a storage identity distinct from that INVITE's.
		key = key + "|CANCEL"
	}

	tx := &ServerTransaction{
		key:    key,
		req:    req,
		tp:     tp,
		origin: origin,
		log:    log,
		invite: req.Method == types.RequestMethodInvite,
		ack:    make(chan *message.Request, 1),
		done:   make(chan struct{}),
	}
	tx.sm = tx.newStateMachine()

	if tx.invite {
		// A 100 Trying is sent automatically for INVITE unless the TU
		// responds faster, per RFC 3261 §17.2.1.
		go func() {
			select {
			case <-timing.After(200 * time.Millisecond):
				tx.mu.Lock()
				sent := tx.lastResp != nil
				tx.mu.Unlock()
				if !sent {
					trying := message.NewResponse(100)
					tx.Respond(context.Background(), trying) //nolint:errcheck
				}
			case <-tx.done:
			}
		}()
	}

	return tx, nil
}

func (tx *ServerTransaction) newStateMachine() *stateless.StateMachine {
	initial := serverTrying
	if tx.invite {
		initial = serverProceeding
	}

	sm := stateless.NewStateMachine(initial)
	sm.Configure(serverTrying).
		Permit(triggerRespond1xx, serverProceeding).
		Permit(triggerRespond2xx, serverTerminated).
		Permit(triggerRespondFail, serverCompleted)
	sm.Configure(serverProceeding).
		Ignore(triggerRespond1xx).
		Ignore(triggerRetransmit).
		Permit(triggerRespond2xx, serverTerminated).
		Permit(triggerRespondFail, serverCompleted)
	sm.Configure(serverCompleted).
		Ignore(triggerRespondFail).
		Ignore(triggerRetransmit).
		Permit(triggerRecvAck, serverConfirmed).
		Permit(triggerWaitElapsed, serverTerminated)
	sm.Configure(serverConfirmed).
		Permit(triggerWaitElapsed, serverTerminated)
	sm.Configure(serverTerminated)

	return sm
}

// Respond sends resp as this transaction's response, advancing its state
// machine and, for non-2xx final responses to an INVITE, arming Timer G
// (retransmit) and Timer H (give up waiting for ACK).
func (tx *ServerTransaction) Respond(ctx context.Context, resp *message.Response) error {
	if err := tx.tp.Send(ctx, tx.origin, resp); err != nil {
		return err
	}

	tx.mu.Lock()
	tx.lastResp = resp
	tx.mu.Unlock()

	switch {
	case resp.Status.IsProvisional():
		tx.sm.Fire(triggerRespond1xx) //nolint:errcheck
	case resp.Status.IsSuccessful():
		tx.sm.Fire(triggerRespond2xx) //nolint:errcheck
		tx.terminate()
	default:
		tx.sm.Fire(triggerRespondFail) //nolint:errcheck
		if tx.invite {
			tx.armInviteCompleted(ctx)
		} else {
			tx.armNonInviteCompleted()
		}
	}
	return nil
}

func (tx *ServerTransaction) armInviteCompleted(ctx context.Context) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !tx.tp.Reliable() {
		tx.retransmitGap = T1
		tx.retransmit = timing.AfterFunc(tx.retransmitGap, func() { tx.onRetransmitTimer(ctx) })
	}
	go func() {
		select {
		case <-timing.After(64 * T1): // Timer H
			if tx.log != nil {
				tx.log.Warn("server transaction gave up waiting for ACK", "key", tx.key)
			}
			tx.terminate()
		case <-tx.done:
		}
	}()
}

func (tx *ServerTransaction) onRetransmitTimer(ctx context.Context) {
	tx.mu.Lock()
	resp := tx.lastResp
	if tx.sm.MustState() != serverCompleted {
		tx.mu.Unlock()
		return
	}
	tx.retransmitGap *= 2
	if tx.retransmitGap > T2 {
		tx.retransmitGap = T2
	}
	gap := tx.retransmitGap
	tx.mu.Unlock()

	if resp != nil {
		tx.tp.Send(ctx, tx.origin, resp) //nolint:errcheck
	}
	tx.mu.Lock()
	tx.retransmit = timing.AfterFunc(gap, func() { tx.onRetransmitTimer(ctx) })
	tx.mu.Unlock()
}

func (tx *ServerTransaction) armNonInviteCompleted() {
	d := 32 * time.Second // Timer J
	if tx.tp.Reliable() {
		d = 0
	}
	tx.mu.Lock()
	tx.wait = timing.NewTimer(d)
	tx.mu.Unlock()

	go func() {
		select {
		case <-tx.wait.C():
			tx.sm.Fire(triggerWaitElapsed) //nolint:errcheck
			tx.terminate()
		case <-tx.done:
		}
	}()
}

// ReceiveRequest handles a retransmission of the original request (resend
// the last response sent, provisional or final, if there is one) or the ACK
// that confirms a non-2xx final response.
func (tx *ServerTransaction) ReceiveRequest(ctx context.Context, req *message.Request) {
	if req.Method == types.RequestMethodAck {
		tx.sm.Fire(triggerRecvAck) //nolint:errcheck
		select {
		case tx.ack <- req:
		default:
		}

		d := T4 // Timer I
		if tx.tp.Reliable() {
			d = 0
		}
		tx.mu.Lock()
		tx.wait = timing.NewTimer(d)
		tx.mu.Unlock()
		go func() {
			select {
			case <-tx.wait.C():
				tx.terminate()
			case <-tx.done:
			}
		}()
		return
	}

	tx.sm.Fire(triggerRetransmit) //nolint:errcheck
	tx.mu.Lock()
	resp := tx.lastResp
	tx.mu.Unlock()
	if resp != nil {
		tx.tp.Send(ctx, tx.origin, resp) //nolint:errcheck
	}
}

func (tx *ServerTransaction) terminate() {
	tx.doneOnce.Do(func() {
		tx.mu.Lock()
		if tx.retransmit != nil {
			tx.retransmit.Stop()
		}
		if tx.wait != nil {
			tx.wait.Stop()
		}
		tx.mu.Unlock()
		close(tx.done)
	})
}

// Key returns the transaction's matching key.
func (tx *ServerTransaction) Key() Key { return tx.key }

// Terminate ends the transaction immediately.
func (tx *ServerTransaction) Terminate() { tx.terminate() }

// Done is closed once the transaction reaches the Terminated state.
func (tx *ServerTransaction) Done() <-chan struct{} { return tx.done }

// Ack returns the channel on which an INVITE transaction's confirming ACK
// is delivered.
func (tx *ServerTransaction) Ack() <-chan *message.Request { return tx.ack }
