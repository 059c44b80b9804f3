/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"context"
	"regexp"
	"sync"

	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// ListenerSession manages the subscription lifecycle of one registered
// application event consumer. A session, once closed, never delivers further
// events; Close is idempotent and no event is delivered after Close returns.
type ListenerSession interface {
	Close()
}

// liveListenerSession delivers every matching contract event from the moment
// of registration onward, with no replay. It is backed by a chaincode
// registration on the network's shared dispatcher.
type liveListenerSession struct {
	dispatcher *Dispatcher
	reg        api.Registration
	listener   api.ContractListener

	mutex  sync.Mutex
	closed bool
}

// NewLiveListenerSession registers with the dispatcher for contract events of
// the given chaincode and starts delivering them to the listener.
func NewLiveListenerSession(dispatcher *Dispatcher, listener api.ContractListener, ccID, eventFilter string) (ListenerSession, error) {
	reg, eventch, err := dispatcher.RegisterChaincodeEvent(ccID, eventFilter)
	if err != nil {
		return nil, errors.WithMessage(err, "error registering for chaincode events")
	}

	s := &liveListenerSession{
		dispatcher: dispatcher,
		reg:        reg,
		listener:   listener,
	}

	go func() {
		for event := range eventch {
			s.deliver(event)
		}
	}()

	return s, nil
}

func (s *liveListenerSession) deliver(event *api.ContractEvent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	invokeListener(s.listener, event)
}

func (s *liveListenerSession) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.mutex.Unlock()

	s.dispatcher.Unregister(s.reg)
}

// replayListenerSession delivers all historical blocks from startBlock to the
// current ledger height in ascending order and then continues seamlessly with
// live delivery. It owns a private block stream so that replay does not
// disturb the network's shared subscription.
type replayListenerSession struct {
	cancel   context.CancelFunc
	listener api.ContractListener

	chaincodeID string
	eventRegExp *regexp.Regexp

	mutex  sync.Mutex
	closed bool
}

// NewReplayListenerSession opens a replay block stream from startBlock and
// delivers matching contract events to the listener.
func NewReplayListenerSession(client api.LedgerClient, listener api.ContractListener, ccID, eventFilter string, startBlock uint64) (ListenerSession, error) {
	eventRegExp, err := compileEventFilter(eventFilter)
	if err != nil {
		return nil, errors.Wrapf(err, "error compiling regular expression for event filter [%s]", eventFilter)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eventch, err := client.SubscribeBlockEventsFrom(ctx, startBlock)
	if err != nil {
		cancel()
		return nil, errors.WithMessage(err, "error subscribing to block events for replay")
	}

	s := &replayListenerSession{
		cancel:      cancel,
		listener:    listener,
		chaincodeID: ccID,
		eventRegExp: eventRegExp,
	}

	go func() {
		for event := range eventch {
			s.deliverBlock(event)
		}
	}()

	return s, nil
}

func (s *replayListenerSession) deliverBlock(event *api.BlockEvent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	for _, ccEvent := range contractEvents(event, s.chaincodeID, s.eventRegExp) {
		invokeListener(s.listener, ccEvent)
	}
}

func (s *replayListenerSession) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.mutex.Unlock()

	s.cancel()
}

// checkpointListenerSession resumes delivery from a persisted checkpoint.
// With no checkpoint present it behaves as a live session from the current
// height; otherwise it replays from the checkpointed block, skipping
// transactions already recorded as processed in that block. The checkpoint is
// advanced and persisted after each successfully delivered event.
type checkpointListenerSession struct {
	dispatcher   *Dispatcher
	reg          api.Registration
	cancel       context.CancelFunc
	store        api.CheckpointStore
	checkpointID string
	listener     api.ContractListener

	chaincodeID string
	eventRegExp *regexp.Regexp

	mutex      sync.Mutex
	closed     bool
	checkpoint *api.Checkpoint
}

// NewCheckpointListenerSession creates a session resuming from the checkpoint
// persisted under checkpointID, if any.
func NewCheckpointListenerSession(dispatcher *Dispatcher, client api.LedgerClient, store api.CheckpointStore,
	checkpointID string, listener api.ContractListener, ccID, eventFilter string) (ListenerSession, error) {

	eventRegExp, err := compileEventFilter(eventFilter)
	if err != nil {
		return nil, errors.Wrapf(err, "error compiling regular expression for event filter [%s]", eventFilter)
	}

	checkpoint, err := store.Load(checkpointID)
	if err != nil {
		return nil, errors.WithMessagef(err, "error loading checkpoint [%s]", checkpointID)
	}

	s := &checkpointListenerSession{
		dispatcher:   dispatcher,
		store:        store,
		checkpointID: checkpointID,
		listener:     listener,
		chaincodeID:  ccID,
		eventRegExp:  eventRegExp,
		checkpoint:   checkpoint,
	}

	var eventch <-chan *api.BlockEvent
	if checkpoint == nil {
		// No checkpoint: behave as a live session from the current height.
		reg, ch, err := dispatcher.RegisterBlockEvent()
		if err != nil {
			return nil, errors.WithMessage(err, "error registering for block events")
		}
		s.reg = reg
		eventch = ch
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := client.SubscribeBlockEventsFrom(ctx, checkpoint.BlockNumber)
		if err != nil {
			cancel()
			return nil, errors.WithMessage(err, "error subscribing to block events for checkpoint replay")
		}
		s.cancel = cancel
		eventch = ch
	}

	go func() {
		for event := range eventch {
			s.deliverBlock(event)
		}
	}()

	return s, nil
}

func (s *checkpointListenerSession) deliverBlock(event *api.BlockEvent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	for _, ccEvent := range contractEvents(event, s.chaincodeID, s.eventRegExp) {
		if s.processed(ccEvent) {
			logger.Debugf("Skipping already processed TxID [%s] in block [%d]", ccEvent.TxID, ccEvent.BlockNumber)
			continue
		}
		if invokeListener(s.listener, ccEvent) {
			s.record(ccEvent)
		}
	}
}

// processed reports whether the event was already delivered before the
// session was resumed. Only the checkpointed block may have been partially
// processed.
func (s *checkpointListenerSession) processed(event *api.ContractEvent) bool {
	return s.checkpoint != nil &&
		event.BlockNumber == s.checkpoint.BlockNumber &&
		s.checkpoint.ContainsTransaction(event.TxID)
}

// record advances the in-memory checkpoint past the delivered event and
// persists it. A persistence failure is logged and delivery continues;
// delivery is at-least-once across checkpoint store failures.
func (s *checkpointListenerSession) record(event *api.ContractEvent) {
	if s.checkpoint == nil || event.BlockNumber > s.checkpoint.BlockNumber {
		s.checkpoint = &api.Checkpoint{
			BlockNumber:    event.BlockNumber,
			TransactionIDs: []string{event.TxID},
		}
	} else {
		s.checkpoint.TransactionIDs = append(s.checkpoint.TransactionIDs, event.TxID)
	}

	if err := s.store.Save(s.checkpointID, s.checkpoint.Clone()); err != nil {
		logger.Warnf("Error saving checkpoint [%s] at block [%d]: %s", s.checkpointID, s.checkpoint.BlockNumber, err)
	}
}

func (s *checkpointListenerSession) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.mutex.Unlock()

	if s.reg != nil {
		s.dispatcher.Unregister(s.reg)
	}
	if s.cancel != nil {
		s.cancel()
	}
}
