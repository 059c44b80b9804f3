/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"context"
	"sync/atomic"
	"time"

	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// query is the Query implementation handed to query handlers.
type query struct {
	client  api.LedgerClient
	request *api.ProposalRequest
	peers   []api.Peer
	timeout time.Duration
}

func newQuery(client api.LedgerClient, request *api.ProposalRequest, peers []api.Peer, timeout time.Duration) *query {
	return &query{
		client:  client,
		request: request,
		peers:   peers,
		timeout: timeout,
	}
}

func (q *query) ChaincodeID() string {
	return q.request.ChaincodeID
}

func (q *query) Peers() []api.Peer {
	return q.peers
}

func (q *query) Evaluate(peer api.Peer) (*api.ProposalResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	return q.client.EvaluateProposal(ctx, q.request, peer)
}

type queryHandlerList struct {
	// Single evaluates on the first candidate peer, failing over through
	// the remaining peers in order.
	Single QueryHandler

	// RoundRobin rotates the starting peer across evaluations, failing
	// over through the remaining peers.
	RoundRobin QueryHandler
}

// DefaultQueryHandlers provides the built-in query handler implementations.
var DefaultQueryHandlers = &queryHandlerList{
	Single:     &failoverQueryHandler{},
	RoundRobin: &roundRobinQueryHandler{},
}

// evaluateFailover tries each peer in the given order and returns the first
// successful response. A response with a non-success status counts as a
// failure. Every peer is tried at most once.
func evaluateFailover(q Query, peers []api.Peer) (*api.ProposalResponse, error) {
	if len(peers) == 0 {
		return nil, &QueryError{Message: "no peers available to evaluate the query"}
	}

	var lastErr error
	for _, peer := range peers {
		response, err := q.Evaluate(peer)
		if err != nil {
			logger.Warnf("Query on peer %s failed: %s", peer.URL(), err)
			lastErr = err
			continue
		}
		if response.Status != int32(cb.Status_SUCCESS) {
			logger.Warnf("Query on peer %s returned status %d: %s", peer.URL(), response.Status, response.Message)
			lastErr = errors.Errorf("peer %s returned status %d: %s", peer.URL(), response.Status, response.Message)
			continue
		}
		return response, nil
	}

	return nil, &QueryError{Message: "no successful response from any peer", cause: lastErr}
}

type failoverQueryHandler struct{}

func (h *failoverQueryHandler) Evaluate(q Query) (*api.ProposalResponse, error) {
	return evaluateFailover(q, q.Peers())
}

type roundRobinQueryHandler struct {
	next uint64
}

func (h *roundRobinQueryHandler) Evaluate(q Query) (*api.ProposalResponse, error) {
	peers := q.Peers()
	if len(peers) == 0 {
		return nil, &QueryError{Message: "no peers available to evaluate the query"}
	}

	start := int(atomic.AddUint64(&h.next, 1)-1) % len(peers)
	rotated := make([]api.Peer, 0, len(peers))
	rotated = append(rotated, peers[start:]...)
	rotated = append(rotated, peers[:start]...)

	return evaluateFailover(q, rotated)
}
