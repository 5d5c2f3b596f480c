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
	clientCalling    = "Calling"
	clientTrying     = "Trying"
	clientProceeding = "Proceeding"
	clientCompleted  = "Completed"
	clientTerminated = "Terminated"
)

const (
	triggerRecv1xx      = "recv-1xx"
	triggerRecvFinal    = "recv-final"
	triggerTimeout      = "timeout"
	triggerTransportErr = "transport-err"
	triggerWaitElapsed  = "wait-elapsed"
	triggerTerminate    = "terminate"
)

// ClientTransaction retransmits a request per RFC 3261 §17.1 and delivers
// the responses that match it until the transaction terminates.
type ClientTransaction struct {
	key    Key
	req    *message.Request
	tp     transport.Transport
	target transport.Target
	log    *slog.Logger
	invite bool

	sm *stateless.StateMachine

	mu        sync.Mutex
	responses chan *message.Response
	errs      chan error
	done      chan struct{}
	doneOnce  sync.Once

	retransmit    timing.Timer
	retransmitGap time.Duration
	timeout       timing.Timer
	wait          timing.Timer
}

// NewClientTransaction constructs and starts a client transaction for req,
// sending its first copy immediately over tp to target.
func NewClientTransaction(ctx context.Context, tp transport.Transport, target transport.Target, req *message.Request, log *slog.Logger) (*ClientTransaction, error) {
	key, ok := RequestKey(req)
	if !ok {
		return nil, ErrTransactionTerminated
	}

	tx := &ClientTransaction{
		key:       key,
		req:       req,
		tp:        tp,
		target:    target,
		log:       log,
		invite:    req.Method == types.RequestMethodInvite,
		responses: make(chan *message.Response, 10),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	tx.sm = tx.newStateMachine()

	if err := tx.send(ctx); err != nil {
		tx.fail(err)
		return tx, err
	}

	if tx.invite && !tp.Reliable() {
		tx.retransmitGap = T1
		tx.retransmit = timing.NewTimer(tx.retransmitGap)
	} else if !tx.invite {
		tx.retransmitGap = T1
		if tp.Reliable() {
			tx.retransmitGap = 0
		} else {
			tx.retransmit = timing.NewTimer(tx.retransmitGap)
		}
	}

	if tx.invite {
		tx.timeout = timing.NewTimer(64 * T1) // Timer B
	} else {
		tx.timeout = timing.NewTimer(64 * T1) // Timer F
	}

	go tx.run(ctx)
	return tx, nil
}

func (tx *ClientTransaction) newStateMachine() *stateless.StateMachine {
	initial := clientTrying
	if tx.invite {
		initial = clientCalling
	}

	sm := stateless.NewStateMachine(initial)
	sm.Configure(clientCalling).
		Permit(triggerRecv1xx, clientProceeding).
		Permit(triggerRecvFinal, clientTerminated).
		Permit(triggerTimeout, clientTerminated).
		Permit(triggerTransportErr, clientTerminated).
		Permit(triggerTerminate, clientTerminated)
	sm.Configure(clientTrying).
		Permit(triggerRecv1xx, clientProceeding).
		Permit(triggerRecvFinal, clientCompleted).
		Permit(triggerTimeout, clientTerminated).
		Permit(triggerTransportErr, clientTerminated).
		Permit(triggerTerminate, clientTerminated)
	sm.Configure(clientProceeding).
		Ignore(triggerRecv1xx).
		Permit(triggerRecvFinal, clientCompleted).
		Permit(triggerTimeout, clientTerminated).
		Permit(triggerTransportErr, clientTerminated).
		Permit(triggerTerminate, clientTerminated)
	sm.Configure(clientCompleted).
		Ignore(triggerRecvFinal).
		Ignore(triggerRecv1xx).
		Permit(triggerWaitElapsed, clientTerminated).
		Permit(triggerTerminate, clientTerminated)
	sm.Configure(clientTerminated)

	return sm
}

func (tx *ClientTransaction) send(ctx context.Context) error {
	return tx.tp.Send(ctx, tx.target, tx.req)
}

func (tx *ClientTransaction) run(ctx context.Context) {
	for {
		var retransmitC, timeoutC, waitC <-chan time.Time
		tx.mu.Lock()
		if tx.retransmit != nil {
			retransmitC = tx.retransmit.C()
		}
		if tx.timeout != nil {
			timeoutC = tx.timeout.C()
		}
		if tx.wait != nil {
			waitC = tx.wait.C()
		}
		tx.mu.Unlock()

		select {
		case <-retransmitC:
			state := tx.sm.MustState()
			if state == clientCompleted || state == clientTerminated {
				continue
			}
			if err := tx.send(ctx); err != nil {
				tx.fail(err)
				return
			}
			tx.mu.Lock()
			tx.retransmitGap *= 2
			if tx.retransmitGap > T2 {
				tx.retransmitGap = T2
			}
			tx.retransmit = timing.NewTimer(tx.retransmitGap)
			tx.mu.Unlock()

		case <-timeoutC:
			tx.sm.Fire(triggerTimeout) //nolint:errcheck
			if tx.log != nil {
				tx.log.WarnContext(ctx, "client transaction timed out", "key", tx.key)
			}
			tx.fail(ErrTransactionTimeout)
			return

		case <-waitC:
			tx.sm.Fire(triggerWaitElapsed) //nolint:errcheck
			tx.terminate()
			return

		case <-tx.done:
			return
		}
	}
}

// Receive delivers a matching response into the transaction, advancing its
// state machine per RFC 3261 §17.1.1.2/§17.1.2.2.
func (tx *ClientTransaction) Receive(resp *message.Response) {
	tx.mu.Lock()
	if tx.timeout != nil {
		tx.timeout.Stop()
	}

	final := resp.Status.IsFinal()
	trigger := triggerRecv1xx
	if final {
		trigger = triggerRecvFinal
	}
	tx.sm.Fire(trigger) //nolint:errcheck

	if !final && tx.invite && tx.retransmit != nil {
		// RFC 3261 §17.1.1.2: an INVITE client transaction stops
		// retransmitting once it sees any provisional response.
		tx.retransmit.Stop()
		tx.retransmit = nil
	}

	if final {
		if tx.retransmit != nil {
			tx.retransmit.Stop()
			tx.retransmit = nil
		}
		if tx.invite && resp.Status.IsSuccessful() {
			tx.mu.Unlock()
			select {
			case tx.responses <- resp:
			default:
			}
			tx.terminate()
			return
		}
		if tx.invite {
			// Non-2xx final: Timer D absorbs retransmits before terminating.
			d := 32 * time.Second
			if tx.tp.Reliable() {
				d = 0
			}
			tx.wait = timing.NewTimer(d)
		} else {
			// Timer K absorbs retransmits before terminating.
			k := T4
			if tx.tp.Reliable() {
				k = 0
			}
			tx.wait = timing.NewTimer(k)
		}
	}
	tx.mu.Unlock()

	select {
	case tx.responses <- resp:
	default:
	}
}

func (tx *ClientTransaction) fail(err error) {
	select {
	case tx.errs <- err:
	default:
	}
	tx.terminate()
}

func (tx *ClientTransaction) terminate() {
	tx.doneOnce.Do(func() {
		tx.mu.Lock()
		if tx.retransmit != nil {
			tx.retransmit.Stop()
		}
		if tx.timeout != nil {
			tx.timeout.Stop()
		}
		if tx.wait != nil {
			tx.wait.Stop()
		}
		tx.mu.Unlock()
		close(tx.done)
	})
}

// Key returns the transaction's matching key.
func (tx *ClientTransaction) Key() Key { return tx.key }

// Terminate ends the transaction immediately.
func (tx *ClientTransaction) Terminate() {
	tx.sm.Fire(triggerTerminate) //nolint:errcheck
	tx.terminate()
}

// Done is closed once the transaction reaches the Terminated state.
func (tx *ClientTransaction) Done() <-chan struct{} { return tx.done }

// Responses returns the channel on which matching responses are delivered.
func (tx *ClientTransaction) Responses() <-chan *message.Response { return tx.responses }

// Errors returns the channel on which a timeout or transport error is
// delivered.
func (tx *ClientTransaction) Errors() <-chan error { return tx.errs }
