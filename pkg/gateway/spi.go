/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

// This file contains the service provider interface (SPI) which provides the
// mechanism for plugging in alternative commit and query strategies.

import (
	"time"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// CommitHandler observes the network's block stream for the commit of a
// single transaction and resolves success, failure or timeout exactly once.
type CommitHandler interface {
	// StartListening begins observing block events for the armed
	// transaction ID. It must be called before the transaction is handed to
	// the ordering service.
	StartListening() error

	// WaitForEvents blocks the calling goroutine until the handler reaches
	// a terminal state or the timeout elapses.
	WaitForEvents(timeout time.Duration) error

	// CancelListening forces immediate release of waiting callers. It is
	// idempotent and safe to call concurrently with event delivery.
	CancelListening()
}

// CommitHandlerFactory creates a CommitHandler for a transaction, allowing
// the commit-wait strategy to be swapped at gateway construction time.
type CommitHandlerFactory interface {
	Create(transactionID string, network *Network) CommitHandler
}

// Query is a read-only evaluation that can be directed at a single peer by a
// QueryHandler.
type Query interface {
	// ChaincodeID returns the chaincode being queried.
	ChaincodeID() string

	// Peers returns the candidate peers for this query.
	Peers() []api.Peer

	// Evaluate sends the query to the given peer.
	Evaluate(peer api.Peer) (*api.ProposalResponse, error)
}

// QueryHandler selects which peer or peers answer a read-only evaluation.
type QueryHandler interface {
	Evaluate(query Query) (*api.ProposalResponse, error)
}
