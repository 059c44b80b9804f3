/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/event"
)

// A Contract object represents a smart contract instance in a network.
// Applications should get a Contract instance from a Network using the
// GetContract method.
type Contract struct {
	chaincodeID string
	name        string
	network     *Network

	lock      sync.Mutex
	listeners map[string]*ListenerRegistration
	closed    bool
}

func newContract(network *Network, chaincodeID string, name string) *Contract {
	return &Contract{
		network:     network,
		chaincodeID: chaincodeID,
		name:        name,
		listeners:   make(map[string]*ListenerRegistration),
	}
}

// Name returns the qualified name of the smart contract
func (c *Contract) Name() string {
	qualifiedName := c.chaincodeID
	if len(c.name) != 0 {
		qualifiedName += ":" + c.name
	}
	return qualifiedName
}

// qualifiedFcn prefixes the transaction function name with the contract name
// for chaincodes containing multiple smart contracts.
func (c *Contract) qualifiedFcn(fcn string) string {
	if len(c.name) != 0 {
		return c.name + ":" + fcn
	}
	return fcn
}

// EvaluateTransaction will evaluate a transaction function and return its
// results. The transaction proposal is simulated on a peer but not sent to
// the ordering service, so the ledger is not updated. This can be used for
// querying the world state.
//  Parameters:
//  name is the name of the transaction function to be invoked in the smart contract.
//  args are the arguments to be sent to the transaction function.
//
//  Returns:
//  The return value of the transaction function in the smart contract.
func (c *Contract) EvaluateTransaction(name string, args ...string) ([]byte, error) {
	txn, err := c.CreateTransaction(name)
	if err != nil {
		return nil, err
	}

	response, err := txn.Evaluate(uuid.New(), args...)
	if err != nil {
		return nil, err
	}
	return response.Payload, nil
}

// SubmitTransaction will submit a transaction to the ledger. The transaction
// function 'name' will be evaluated on the endorsing peers and then submitted
// to the ordering service for committing to the ledger.
//  Parameters:
//  name is the name of the transaction function to be invoked in the smart contract.
//  args are the arguments to be sent to the transaction function.
//
//  Returns:
//  The return value of the transaction function in the smart contract.
func (c *Contract) SubmitTransaction(name string, args ...string) ([]byte, error) {
	txn, err := c.CreateTransaction(name)
	if err != nil {
		return nil, err
	}

	response, err := txn.Submit(uuid.New(), args...)
	if err != nil {
		return nil, err
	}
	return response.Payload, nil
}

// CreateTransaction creates an object representing a specific invocation of a
// transaction function implemented by this contract, and provides more
// control over the transaction invocation using the optional arguments. A new
// transaction object must be created for each transaction invocation.
//  Parameters:
//  name is the name of the transaction function to be invoked in the smart contract.
//  opts are the options to be associated with the transaction.
//
//  Returns:
//  A Transaction object for subsequent evaluation or submission.
func (c *Contract) CreateTransaction(name string, opts ...TransactionOption) (*Transaction, error) {
	return newTransaction(name, c, opts...)
}

// ListenerRegistration is the handle returned by AddContractListener. It
// identifies one listener registration and is the argument to
// RemoveContractListener.
type ListenerRegistration struct {
	contract   *Contract
	listenerID string
	session    event.ListenerSession
}

type listenerOptions struct {
	eventFilter  string
	startBlock   *uint64
	store        api.CheckpointStore
	checkpointID string
}

// ListenerOption configures a contract listener registration.
type ListenerOption func(*listenerOptions) error

// WithEventFilter restricts delivery to chaincode events whose name matches
// the given regular expression. An empty filter matches all events.
func WithEventFilter(eventFilter string) ListenerOption {
	return func(o *listenerOptions) error {
		o.eventFilter = eventFilter
		return nil
	}
}

// WithStartBlock replays events from the given block number before continuing
// with live delivery. It cannot be combined with WithCheckpointer.
func WithStartBlock(blockNumber uint64) ListenerOption {
	return func(o *listenerOptions) error {
		o.startBlock = &blockNumber
		return nil
	}
}

// WithCheckpointer resumes delivery from the checkpoint persisted in the
// given store under checkpointID, and persists progress after each delivered
// event. It cannot be combined with WithStartBlock.
func WithCheckpointer(store api.CheckpointStore, checkpointID string) ListenerOption {
	return func(o *listenerOptions) error {
		if store == nil {
			return errors.New("checkpoint store is nil")
		}
		o.store = store
		o.checkpointID = checkpointID
		return nil
	}
}

// AddContractListener registers a listener for chaincode events emitted by
// this contract. The listenerID identifies the registration: adding a
// listener under an id that is already registered is a no-op returning the
// existing registration handle. RemoveContractListener must be called with
// the returned handle when the registration is no longer needed.
//  Parameters:
//  listenerID is the caller-chosen identity of this registration.
//  listener is invoked for each matching chaincode event.
//  opts configure event filtering, replay and checkpointing.
//
//  Returns:
//  The registration handle for subsequent removal.
func (c *Contract) AddContractListener(listenerID string, listener api.ContractListener, opts ...ListenerOption) (*ListenerRegistration, error) {
	if listener == nil {
		return nil, errors.New("listener is nil")
	}

	var o listenerOptions
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.startBlock != nil && o.store != nil {
		return nil, errors.New("start block and checkpointer are mutually exclusive")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil, errors.New("contract is closed")
	}
	if existing, ok := c.listeners[listenerID]; ok {
		return existing, nil
	}

	session, err := c.newListenerSession(listener, &o)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to add contract listener [%s]", listenerID)
	}

	registration := &ListenerRegistration{
		contract:   c,
		listenerID: listenerID,
		session:    session,
	}
	c.listeners[listenerID] = registration

	logger.Debugf("Added contract listener [%s] on [%s]", listenerID, c.Name())
	return registration, nil
}

func (c *Contract) newListenerSession(listener api.ContractListener, o *listenerOptions) (event.ListenerSession, error) {
	network := c.network
	switch {
	case o.store != nil:
		return event.NewCheckpointListenerSession(network.dispatcher, network.client, o.store, o.checkpointID,
			listener, c.chaincodeID, o.eventFilter)
	case o.startBlock != nil:
		return event.NewReplayListenerSession(network.client, listener, c.chaincodeID, o.eventFilter, *o.startBlock)
	default:
		return event.NewLiveListenerSession(network.dispatcher, listener, c.chaincodeID, o.eventFilter)
	}
}

// RemoveContractListener removes the registration and stops event delivery to
// its listener. No event is delivered after RemoveContractListener returns.
// Removing an already removed registration is a no-op.
func (c *Contract) RemoveContractListener(registration *ListenerRegistration) {
	if registration == nil {
		return
	}

	c.lock.Lock()
	current, ok := c.listeners[registration.listenerID]
	if !ok || current != registration {
		c.lock.Unlock()
		return
	}
	delete(c.listeners, registration.listenerID)
	c.lock.Unlock()

	registration.session.Close()
	logger.Debugf("Removed contract listener [%s] on [%s]", registration.listenerID, c.Name())
}

// Close removes all contract listeners. Each listener session is closed
// exactly once even if Close races with RemoveContractListener. Close is
// idempotent.
func (c *Contract) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	registrations := make([]*ListenerRegistration, 0, len(c.listeners))
	for _, registration := range c.listeners {
		registrations = append(registrations, registration)
	}
	c.listeners = make(map[string]*ListenerRegistration)
	c.lock.Unlock()

	for _, registration := range registrations {
		registration.session.Close()
	}
}
