/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package event routes block events from a network's single live block
// stream to any number of independently-lifecycled listener sessions.
//
// The Dispatcher processes all registration requests and block events in a
// single goroutine, in the order in which they are received. This avoids
// races between registration and delivery and removes the need for locks in
// the dispatch path.
package event

import (
	"math"
	"reflect"
	"runtime/debug"
	"sync/atomic"
	"time"

	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/common/logging"
	"github.com/hyperledger/fabric-gateway-go/pkg/common/options"
	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

var logger = logging.NewLogger("gateway/event")

const (
	dispatcherStateInitial = iota
	dispatcherStateStarted
	dispatcherStateStopped
)

// stopTimeout is the time to wait for the dispatch goroutine to acknowledge
// a stop request.
const stopTimeout = 5 * time.Second

type handler func(interface{})

// Dispatcher fans block, transaction status and contract events out to
// registered consumers. All events, including registration requests, are
// processed on a single goroutine.
// The lastBlockNum member MUST be first to ensure it stays 64-bit aligned
// on 32-bit machines.
type Dispatcher struct {
	lastBlockNum uint64 // Must be first, do not move
	params
	state              int32
	eventch            chan interface{}
	handlers           map[reflect.Type]handler
	blockRegistrations []*blockReg
	ccRegistrations    []*chaincodeReg
	txRegistrations    map[string]*txStatusReg
}

// New creates a Dispatcher. Start must be called before events are accepted.
func New(opts ...options.Opt) *Dispatcher {
	params := defaultParams()
	options.Apply(params, opts)

	return &Dispatcher{
		params:          *params,
		state:           dispatcherStateInitial,
		eventch:         make(chan interface{}, params.eventConsumerBufferSize),
		handlers:        make(map[reflect.Type]handler),
		txRegistrations: make(map[string]*txStatusReg),
		lastBlockNum:    math.MaxUint64,
	}
}

// Start starts the dispatch goroutine.
func (ed *Dispatcher) Start() error {
	if !ed.setState(dispatcherStateInitial, dispatcherStateStarted) {
		return errors.New("cannot start dispatcher since it is not in its initial state")
	}

	ed.registerHandlers()

	go func() {
		for {
			if ed.getState() == dispatcherStateStopped {
				break
			}

			e, ok := <-ed.eventch
			if !ok {
				break
			}

			if handle, ok := ed.handlers[reflect.TypeOf(e)]; ok {
				handle(e)
			} else {
				logger.Errorf("Handler not found for: %s", reflect.TypeOf(e))
			}
		}
		logger.Debug("Exiting event dispatcher")
	}()
	return nil
}

// Stop stops the dispatcher and closes all registered event channels so that
// consumers are notified that their registration has been removed.
func (ed *Dispatcher) Stop() {
	errch := make(chan error, 1)
	if err := ed.Submit(newStopEvent(errch)); err != nil {
		logger.Warnf("Error stopping dispatcher: %s", err)
		return
	}

	select {
	case err := <-errch:
		if err != nil {
			logger.Warnf("Error while stopping dispatcher: %s", err)
		}
	case <-time.After(stopTimeout):
		logger.Warn("Timed out waiting for dispatcher to stop")
	}
}

// Submit posts an event for processing. Block events from the ledger stream
// are submitted as *api.BlockEvent.
func (ed *Dispatcher) Submit(event interface{}) error {
	defer func() {
		// During shutdown events may still be produced and we may get a
		// 'send on closed channel' panic. Just log and ignore the error.
		if p := recover(); p != nil {
			logger.Warnf("panic while submitting event: %s", p)
			debug.PrintStack()
		}
	}()

	if ed.getState() != dispatcherStateStarted {
		return errors.Errorf("dispatcher not started - current state [%d]", ed.getState())
	}
	ed.eventch <- event

	return nil
}

// RegisterBlockEvent registers for block events that pass the given filter.
// At most one filter may be supplied; the default accepts every block.
func (ed *Dispatcher) RegisterBlockEvent(filter ...BlockFilter) (api.Registration, <-chan *api.BlockEvent, error) {
	if len(filter) > 1 {
		return nil, nil, errors.New("only one block filter may be specified")
	}
	blockFilter := acceptAny
	if len(filter) == 1 {
		blockFilter = filter[0]
	}

	eventch := make(chan *api.BlockEvent, ed.eventConsumerBufferSize)
	regch := make(chan api.Registration)

	if err := ed.Submit(&registerBlockEvent{reg: &blockReg{filter: blockFilter, eventch: eventch}, regch: regch}); err != nil {
		return nil, nil, errors.WithMessage(err, "error registering for block events")
	}

	return <-regch, eventch, nil
}

// RegisterChaincodeEvent registers for chaincode events matching the given
// chaincode ID and event-name filter (a regular expression; empty matches
// every event name). Unlike transaction status registrations, any number of
// registrations may exist for the same chaincode and filter.
func (ed *Dispatcher) RegisterChaincodeEvent(ccID, eventFilter string) (api.Registration, <-chan *api.ContractEvent, error) {
	if ccID == "" {
		return nil, nil, errors.New("chaincode ID is required")
	}

	eventch := make(chan *api.ContractEvent, ed.eventConsumerBufferSize)
	regch := make(chan api.Registration)
	errch := make(chan error)

	if err := ed.Submit(&registerChaincodeEvent{
		reg:   &chaincodeReg{chaincodeID: ccID, eventFilter: eventFilter, eventch: eventch},
		regch: regch,
		errch: errch,
	}); err != nil {
		return nil, nil, errors.WithMessage(err, "error registering for chaincode events")
	}

	select {
	case reg := <-regch:
		return reg, eventch, nil
	case err := <-errch:
		return nil, nil, err
	}
}

// RegisterTxStatusEvent registers for the commit status of the given
// transaction ID.
func (ed *Dispatcher) RegisterTxStatusEvent(txID string) (api.Registration, <-chan *api.TxStatusEvent, error) {
	if txID == "" {
		return nil, nil, errors.New("txID must be provided")
	}

	eventch := make(chan *api.TxStatusEvent, ed.eventConsumerBufferSize)
	regch := make(chan api.Registration)
	errch := make(chan error)

	if err := ed.Submit(&registerTxStatusEvent{reg: &txStatusReg{txID: txID, eventch: eventch}, regch: regch, errch: errch}); err != nil {
		return nil, nil, errors.WithMessage(err, "error registering for Tx Status events")
	}

	select {
	case reg := <-regch:
		return reg, eventch, nil
	case err := <-errch:
		return nil, nil, err
	}
}

// Unregister removes the given registration and closes its event channel.
func (ed *Dispatcher) Unregister(reg api.Registration) {
	if err := ed.Submit(&unregisterEvent{reg: reg}); err != nil {
		logger.Warnf("Error unregistering: %s", err)
	}
}

// LastBlockNum returns the block number of the last block for which an event
// was received, or math.MaxUint64 if no block has been received yet.
func (ed *Dispatcher) LastBlockNum() uint64 {
	return atomic.LoadUint64(&ed.lastBlockNum)
}

func (ed *Dispatcher) registerHandlers() {
	ed.handlers[reflect.TypeOf(&registerBlockEvent{})] = ed.handleRegisterBlockEvent
	ed.handlers[reflect.TypeOf(&registerChaincodeEvent{})] = ed.handleRegisterChaincodeEvent
	ed.handlers[reflect.TypeOf(&registerTxStatusEvent{})] = ed.handleRegisterTxStatusEvent
	ed.handlers[reflect.TypeOf(&unregisterEvent{})] = ed.handleUnregisterEvent
	ed.handlers[reflect.TypeOf(&stopEvent{})] = ed.handleStopEvent
	ed.handlers[reflect.TypeOf(&api.BlockEvent{})] = ed.handleBlockEvent
}

func (ed *Dispatcher) handleRegisterBlockEvent(e interface{}) {
	event := e.(*registerBlockEvent)
	ed.blockRegistrations = append(ed.blockRegistrations, event.reg)
	event.regch <- event.reg
}

func (ed *Dispatcher) handleRegisterChaincodeEvent(e interface{}) {
	event := e.(*registerChaincodeEvent)

	regExp, err := compileEventFilter(event.reg.eventFilter)
	if err != nil {
		event.errch <- errors.Wrapf(err, "error compiling regular expression for event filter [%s]", event.reg.eventFilter)
		return
	}
	event.reg.eventRegExp = regExp
	ed.ccRegistrations = append(ed.ccRegistrations, event.reg)
	event.regch <- event.reg
}

func (ed *Dispatcher) handleRegisterTxStatusEvent(e interface{}) {
	event := e.(*registerTxStatusEvent)

	if _, exists := ed.txRegistrations[event.reg.txID]; exists {
		event.errch <- errors.Errorf("registration already exists for TX ID [%s]", event.reg.txID)
		return
	}
	ed.txRegistrations[event.reg.txID] = event.reg
	event.regch <- event.reg
}

func (ed *Dispatcher) handleUnregisterEvent(e interface{}) {
	event := e.(*unregisterEvent)

	var err error
	switch registration := event.reg.(type) {
	case *blockReg:
		err = ed.unregisterBlockEvents(registration)
	case *chaincodeReg:
		err = ed.unregisterChaincodeEvents(registration)
	case *txStatusReg:
		err = ed.unregisterTxStatusEvents(registration)
	default:
		err = errors.Errorf("unsupported registration type: %+v", reflect.TypeOf(registration))
	}
	if err != nil {
		logger.Warnf("Error in unregister: %s", err)
	}
}

func (ed *Dispatcher) handleStopEvent(e interface{}) {
	event := e.(*stopEvent)

	if !ed.setState(dispatcherStateStarted, dispatcherStateStopped) {
		logger.Warn("Cannot stop event dispatcher since it is already stopped.")
		event.errch <- errors.New("dispatcher already stopped")
		return
	}

	// Close the associated event channels so that consumers are notified
	// that the registration has been removed.
	for _, reg := range ed.blockRegistrations {
		close(reg.eventch)
	}
	ed.blockRegistrations = nil
	for _, reg := range ed.ccRegistrations {
		close(reg.eventch)
	}
	ed.ccRegistrations = nil
	for _, reg := range ed.txRegistrations {
		close(reg.eventch)
	}
	ed.txRegistrations = make(map[string]*txStatusReg)

	event.errch <- nil
}

func (ed *Dispatcher) handleBlockEvent(e interface{}) {
	event := e.(*api.BlockEvent)
	fblock := event.FilteredBlock
	if fblock == nil {
		logger.Warn("Filtered block is nil. Event will not be published")
		return
	}

	logger.Debugf("Handling block event - Block #%d", fblock.Number)
	blocksDispatchedTotal.Inc()

	if err := ed.updateLastBlockNum(fblock.Number); err != nil {
		logger.Error(err.Error())
		return
	}

	ed.publishBlockEvent(event)

	for _, tx := range fblock.FilteredTransactions {
		ed.publishTxStatusEvent(tx, fblock.Number, event.SourceURL)

		// Only publish chaincode events for committed transactions.
		if tx.TxValidationCode != pb.TxValidationCode_VALID {
			logger.Debugf("Not publishing chaincode events for TxID [%s] in block [%d] since validation code [%d] is not valid", tx.Txid, fblock.Number, tx.TxValidationCode)
			continue
		}
		txActions := tx.GetTransactionActions()
		if txActions == nil {
			continue
		}
		for _, action := range txActions.ChaincodeActions {
			if action.ChaincodeEvent != nil {
				ed.publishChaincodeEvent(action.ChaincodeEvent, fblock.Number, event.SourceURL)
			}
		}
	}
}

func (ed *Dispatcher) publishBlockEvent(event *api.BlockEvent) {
	for _, reg := range ed.blockRegistrations {
		if !reg.filter(event.FilteredBlock) {
			logger.Debugf("Not sending block event for block #%d since it was filtered out.", event.FilteredBlock.Number)
			continue
		}
		ed.send(func() bool {
			select {
			case reg.eventch <- event:
				return true
			default:
				return false
			}
		}, func(timeout <-chan time.Time) bool {
			select {
			case reg.eventch <- event:
				return true
			case <-timeout:
				return false
			}
		}, "block")
	}
}

func (ed *Dispatcher) publishTxStatusEvent(tx *pb.FilteredTransaction, blockNum uint64, sourceURL string) {
	reg, ok := ed.txRegistrations[tx.Txid]
	if !ok {
		return
	}

	logger.Debugf("Sending Tx Status event for TxID [%s] to registrant...", tx.Txid)
	event := &api.TxStatusEvent{
		TxID:             tx.Txid,
		TxValidationCode: tx.TxValidationCode,
		BlockNumber:      blockNum,
		SourceURL:        sourceURL,
	}
	ed.send(func() bool {
		select {
		case reg.eventch <- event:
			return true
		default:
			return false
		}
	}, func(timeout <-chan time.Time) bool {
		select {
		case reg.eventch <- event:
			return true
		case <-timeout:
			return false
		}
	}, "Tx Status")
}

func (ed *Dispatcher) publishChaincodeEvent(ccEvent *pb.ChaincodeEvent, blockNum uint64, sourceURL string) {
	for _, reg := range ed.ccRegistrations {
		if reg.chaincodeID != ccEvent.ChaincodeId || !reg.eventRegExp.MatchString(ccEvent.EventName) {
			continue
		}
		logger.Debugf("Matched CCEvent[%s,%s] against Reg[%s,%s]", ccEvent.ChaincodeId, ccEvent.EventName, reg.chaincodeID, reg.eventFilter)

		event := &api.ContractEvent{
			ChaincodeID: ccEvent.ChaincodeId,
			EventName:   ccEvent.EventName,
			TxID:        ccEvent.TxId,
			Payload:     ccEvent.Payload,
			BlockNumber: blockNum,
			SourceURL:   sourceURL,
		}
		ed.send(func() bool {
			select {
			case reg.eventch <- event:
				return true
			default:
				return false
			}
		}, func(timeout <-chan time.Time) bool {
			select {
			case reg.eventch <- event:
				return true
			case <-timeout:
				return false
			}
		}, "chaincode")
	}
}

// send applies the consumer-timeout policy when publishing to a registered
// consumer's channel: negative timeout drops immediately when the buffer is
// full, zero blocks until the event is delivered, positive blocks up to the
// timeout.
func (ed *Dispatcher) send(trySend func() bool, sendWithTimeout func(<-chan time.Time) bool, eventType string) {
	switch {
	case ed.eventConsumerTimeout < 0:
		if !trySend() {
			logger.Warnf("Unable to send to %s event channel.", eventType)
		}
	case ed.eventConsumerTimeout == 0:
		sendWithTimeout(nil)
	default:
		if !sendWithTimeout(time.After(ed.eventConsumerTimeout)) {
			logger.Warnf("Timed out sending %s event.", eventType)
		}
	}
}

// updateLastBlockNum updates the value of lastBlockNum. The block stream is
// not expected to deliver blocks out of order; an error is returned if it
// does.
func (ed *Dispatcher) updateLastBlockNum(blockNum uint64) error {
	lastBlockNum := atomic.LoadUint64(&ed.lastBlockNum)
	if lastBlockNum == math.MaxUint64 || blockNum > lastBlockNum {
		atomic.StoreUint64(&ed.lastBlockNum, blockNum)
		return nil
	}
	return errors.Errorf("expecting a block number greater than %d but received block number %d", lastBlockNum, blockNum)
}

func (ed *Dispatcher) unregisterBlockEvents(registration *blockReg) error {
	for i, reg := range ed.blockRegistrations {
		if reg == registration {
			ed.blockRegistrations = append(ed.blockRegistrations[:i], ed.blockRegistrations[i+1:]...)
			close(reg.eventch)
			return nil
		}
	}
	return errors.New("the provided registration is invalid")
}

func (ed *Dispatcher) unregisterChaincodeEvents(registration *chaincodeReg) error {
	for i, reg := range ed.ccRegistrations {
		if reg == registration {
			ed.ccRegistrations = append(ed.ccRegistrations[:i], ed.ccRegistrations[i+1:]...)
			close(reg.eventch)
			return nil
		}
	}
	return errors.New("the provided registration is invalid")
}

func (ed *Dispatcher) unregisterTxStatusEvents(registration *txStatusReg) error {
	reg, ok := ed.txRegistrations[registration.txID]
	if !ok || reg != registration {
		return errors.New("the provided registration is invalid")
	}
	close(reg.eventch)
	delete(ed.txRegistrations, registration.txID)
	return nil
}

func (ed *Dispatcher) getState() int32 {
	return atomic.LoadInt32(&ed.state)
}

func (ed *Dispatcher) setState(expectedState, newState int32) bool {
	return atomic.CompareAndSwapInt32(&ed.state, expectedState, newState)
}
