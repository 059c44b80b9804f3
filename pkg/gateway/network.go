/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"context"
	"sync"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/event"
	"github.com/pkg/errors"
)

// A Network object represents the set of peers in a Fabric network (channel).
// Applications should get a Network instance from a Gateway using the
// GetNetwork method. A Network owns the channel's event dispatcher; block
// events arriving on the channel's live stream are fanned out to commit
// handlers and contract listeners through it.
type Network struct {
	name       string
	gateway    *Gateway
	client     api.LedgerClient
	dispatcher *event.Dispatcher
	cancel     context.CancelFunc

	lock      sync.Mutex
	contracts map[string]*Contract
	closed    bool
}

func newNetwork(gateway *Gateway, client api.LedgerClient) (*Network, error) {
	n := &Network{
		name:      client.ChannelID(),
		gateway:   gateway,
		client:    client,
		contracts: make(map[string]*Contract),
	}

	n.dispatcher = event.New()
	if err := n.dispatcher.Start(); err != nil {
		return nil, errors.WithMessage(err, "failed to start event dispatcher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	eventch, err := client.SubscribeBlockEvents(ctx)
	if err != nil {
		cancel()
		n.dispatcher.Stop()
		return nil, errors.WithMessage(err, "failed to subscribe to block events")
	}
	n.cancel = cancel

	go n.forwardBlockEvents(eventch)

	return n, nil
}

// forwardBlockEvents pumps the channel's live block stream into the
// dispatcher until the stream is closed.
func (n *Network) forwardBlockEvents(eventch <-chan *api.BlockEvent) {
	for blockEvent := range eventch {
		if err := n.dispatcher.Submit(blockEvent); err != nil {
			logger.Warnf("Unable to submit block event for channel [%s]: %s", n.name, err)
			return
		}
	}
}

// Name is the name of the network (also known as channel name)
func (n *Network) Name() string {
	return n.name
}

// Dispatcher returns the network's event dispatcher. Commit handlers and
// listener sessions register with it for tx status and chaincode events.
func (n *Network) Dispatcher() *event.Dispatcher {
	return n.dispatcher
}

// GetContract returns instance of a smart contract on the current network.
//  Parameters:
//  chaincodeID is the ID of the chaincode that contains the smart contract
//
//  Returns:
//  A Contract object representing the smart contract
func (n *Network) GetContract(chaincodeID string) *Contract {
	return n.GetContractWithName(chaincodeID, "")
}

// GetContractWithName returns instance of a smart contract on the current
// network. Use this instead of GetContract when the chaincode contains
// multiple smart contracts.
//  Parameters:
//  chaincodeID is the ID of the chaincode that contains the smart contract
//  name is the name of the smart contract within the chaincode
//
//  Returns:
//  A Contract object representing the smart contract
func (n *Network) GetContractWithName(chaincodeID string, name string) *Contract {
	n.lock.Lock()
	defer n.lock.Unlock()

	key := chaincodeID + ":" + name
	if contract, ok := n.contracts[key]; ok {
		return contract
	}

	contract := newContract(n, chaincodeID, name)
	n.contracts[key] = contract
	return contract
}

// Close releases the network's event resources. All contract listeners are
// closed, the live block stream is cancelled and the dispatcher is stopped.
// Close is idempotent.
func (n *Network) Close() {
	n.lock.Lock()
	if n.closed {
		n.lock.Unlock()
		return
	}
	n.closed = true
	contracts := make([]*Contract, 0, len(n.contracts))
	for _, contract := range n.contracts {
		contracts = append(contracts, contract)
	}
	n.lock.Unlock()

	for _, contract := range contracts {
		contract.Close()
	}

	n.cancel()
	n.dispatcher.Stop()
}
