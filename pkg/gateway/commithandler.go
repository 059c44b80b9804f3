/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// CommitState is the lifecycle state of a commit handler. Terminal states
// are final; a handler transitions to Completed or TimedOut only from
// Listening, and exactly one terminal transition wins.
type CommitState int32

const (
	// Created is the initial state, before listening has started.
	Created CommitState = iota

	// Listening means the handler is observing block events for the armed
	// transaction ID.
	Listening

	// Completed means the commit event was observed.
	Completed

	// TimedOut means the caller's wait deadline elapsed before the commit
	// event was observed.
	TimedOut

	// Cancelled means listening was cancelled.
	Cancelled
)

func (s CommitState) String() string {
	switch s {
	case Created:
		return "Created"
	case Listening:
		return "Listening"
	case Completed:
		return "Completed"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	}
	return "Unknown"
}

type commitHandlerList struct {
	// None performs no commit wait: submission returns as soon as the
	// ordering service accepts the transaction.
	None CommitHandlerFactory

	// NetworkAny resolves on the first commit event observed for the
	// transaction on the network's block stream. This is the default.
	NetworkAny CommitHandlerFactory
}

// DefaultCommitHandlers provides the built-in commit handler implementations.
var DefaultCommitHandlers = &commitHandlerList{
	None:       &noopCommitHandlerFactory{},
	NetworkAny: &networkAnyCommitHandlerFactory{},
}

// commitHandler observes the network's shared block stream for the commit of
// one transaction via a transaction status registration on the event
// dispatcher.
type commitHandler struct {
	transactionID string
	network       *Network

	state    int32
	reg      interface{}
	once     sync.Once
	done     chan struct{}
	txCode   pb.TxValidationCode
	unregMtx sync.Mutex
}

func (ch *commitHandler) StartListening() error {
	reg, eventch, err := ch.network.Dispatcher().RegisterTxStatusEvent(ch.transactionID)
	if err != nil {
		return errors.WithMessage(err, "error registering for TxStatus event")
	}
	ch.reg = reg

	if !ch.setState(Created, Listening) {
		// Cancelled before listening started.
		ch.unregister()
		return nil
	}

	go func() {
		select {
		case event, ok := <-eventch:
			if !ok {
				return
			}
			if ch.setState(Listening, Completed) {
				ch.txCode = event.TxValidationCode
				ch.release()
			}
			// A terminal transition already won: the event is ignored.
		case <-ch.done:
		}
		ch.unregister()
	}()

	return nil
}

// WaitForEvents blocks until the handler reaches a terminal state or the
// timeout elapses. On timeout the handler transitions to TimedOut, so a
// late-arriving commit event is ignored.
func (ch *commitHandler) WaitForEvents(timeout time.Duration) error {
	select {
	case <-ch.done:
	case <-time.After(timeout):
		if ch.setState(Listening, TimedOut) {
			ch.release()
			return &TimeoutError{Phase: CommitPhase, TransactionID: ch.transactionID}
		}
		// A terminal transition raced the timeout; fall through and report
		// the terminal state.
		<-ch.done
	}

	switch ch.State() {
	case Completed:
		if ch.txCode != pb.TxValidationCode_VALID {
			return &CommitError{TransactionID: ch.transactionID, TxValidationCode: ch.txCode}
		}
		return nil
	case Cancelled:
		return errors.Errorf("commit listening for transaction %s was cancelled", ch.transactionID)
	default:
		return &TimeoutError{Phase: CommitPhase, TransactionID: ch.transactionID}
	}
}

// CancelListening is idempotent and may race with event delivery; delivery
// after cancellation is a no-op.
func (ch *commitHandler) CancelListening() {
	if ch.setState(Listening, Cancelled) || ch.setState(Created, Cancelled) {
		ch.release()
	}
}

// State returns the current commit handler state.
func (ch *commitHandler) State() CommitState {
	return CommitState(atomic.LoadInt32(&ch.state))
}

func (ch *commitHandler) setState(expected, next CommitState) bool {
	return atomic.CompareAndSwapInt32(&ch.state, int32(expected), int32(next))
}

// release unblocks waiting callers exactly once.
func (ch *commitHandler) release() {
	ch.once.Do(func() {
		close(ch.done)
	})
}

func (ch *commitHandler) unregister() {
	ch.unregMtx.Lock()
	defer ch.unregMtx.Unlock()
	if ch.reg != nil {
		ch.network.Dispatcher().Unregister(ch.reg)
		ch.reg = nil
	}
}

type networkAnyCommitHandlerFactory struct{}

func (f *networkAnyCommitHandlerFactory) Create(transactionID string, network *Network) CommitHandler {
	return &commitHandler{
		transactionID: transactionID,
		network:       network,
		done:          make(chan struct{}),
	}
}

// noopCommitHandler performs no commit wait.
type noopCommitHandler struct{}

func (noopCommitHandler) StartListening() error             { return nil }
func (noopCommitHandler) WaitForEvents(time.Duration) error { return nil }
func (noopCommitHandler) CancelListening()                  {}

type noopCommitHandlerFactory struct{}

func (noopCommitHandlerFactory) Create(string, *Network) CommitHandler {
	return noopCommitHandler{}
}
