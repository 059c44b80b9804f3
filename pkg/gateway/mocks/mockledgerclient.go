/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mocks provides test doubles for the gateway packages: a scriptable
// ledger client backed by an in-memory block ledger, mock peers and
// identities, and builders for realistic proposal responses and filtered
// blocks.
package mocks

import (
	"context"
	"sync"

	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// consumerBufferSize is the buffer of subscription channels handed out by the
// mock client. Large enough that tests never block the delivering goroutine.
const consumerBufferSize = 1000

// MockLedgerClient is a scriptable api.LedgerClient. Proposal, submission and
// evaluation behaviour is controlled through handler fields; block streams
// are fed from the client's in-memory ledger via NewFilteredBlock.
type MockLedgerClient struct {
	channelID string
	sourceURL string

	// Peers are returned from ChannelPeers.
	Peers []api.Peer

	// Endorsers are returned from DiscoverEndorsers when DiscoverErr is nil.
	Endorsers   []api.Peer
	DiscoverErr error

	// ProposalResponses and ProposalErr control SendProposal when
	// SendProposalHandler is nil.
	ProposalResponses   []*api.ProposalResponse
	ProposalErr         error
	SendProposalHandler func(ctx context.Context, request *api.ProposalRequest, targets []api.Peer) ([]*api.ProposalResponse, error)

	// SubmitHandler controls SubmitTransaction; when nil, submission
	// succeeds immediately.
	SubmitHandler func(ctx context.Context, responses []*api.ProposalResponse) error

	// EvaluateHandler controls EvaluateProposal; when nil, the first
	// scripted proposal response is returned.
	EvaluateHandler func(ctx context.Context, request *api.ProposalRequest, target api.Peer) (*api.ProposalResponse, error)

	mutex       sync.Mutex
	blocks      []*pb.FilteredBlock
	consumers   map[chan *api.BlockEvent]struct{}
	sentRequest *api.ProposalRequest
	submitted   []*api.ProposalResponse
}

// NewMockLedgerClient creates a mock client for the given channel.
func NewMockLedgerClient(channelID string) *MockLedgerClient {
	return &MockLedgerClient{
		channelID: channelID,
		sourceURL: "localhost:7051",
		consumers: make(map[chan *api.BlockEvent]struct{}),
	}
}

// ChannelID returns the channel name.
func (c *MockLedgerClient) ChannelID() string {
	return c.channelID
}

// ChannelPeers returns the configured peer set.
func (c *MockLedgerClient) ChannelPeers() []api.Peer {
	return c.Peers
}

// DiscoverEndorsers returns the scripted endorsement set.
func (c *MockLedgerClient) DiscoverEndorsers(ctx context.Context, chaincodeID string) ([]api.Peer, error) {
	if c.DiscoverErr != nil {
		return nil, c.DiscoverErr
	}
	if c.Endorsers != nil {
		return c.Endorsers, nil
	}
	return c.Peers, nil
}

// SendProposal returns the scripted proposal responses and records the
// request for later assertion.
func (c *MockLedgerClient) SendProposal(ctx context.Context, request *api.ProposalRequest, targets []api.Peer) ([]*api.ProposalResponse, error) {
	c.mutex.Lock()
	c.sentRequest = request
	c.mutex.Unlock()

	if c.SendProposalHandler != nil {
		return c.SendProposalHandler(ctx, request, targets)
	}
	if c.ProposalErr != nil {
		return nil, c.ProposalErr
	}
	return c.ProposalResponses, nil
}

// SubmitTransaction records the submitted responses and applies the scripted
// submission behaviour.
func (c *MockLedgerClient) SubmitTransaction(ctx context.Context, responses []*api.ProposalResponse) error {
	c.mutex.Lock()
	c.submitted = append([]*api.ProposalResponse{}, responses...)
	c.mutex.Unlock()

	if c.SubmitHandler != nil {
		return c.SubmitHandler(ctx, responses)
	}
	return nil
}

// EvaluateProposal applies the scripted evaluation behaviour.
func (c *MockLedgerClient) EvaluateProposal(ctx context.Context, request *api.ProposalRequest, target api.Peer) (*api.ProposalResponse, error) {
	c.mutex.Lock()
	c.sentRequest = request
	c.mutex.Unlock()

	if c.EvaluateHandler != nil {
		return c.EvaluateHandler(ctx, request, target)
	}
	if len(c.ProposalResponses) == 0 {
		return nil, errors.New("no scripted proposal response")
	}
	return c.ProposalResponses[0], nil
}

// SubscribeBlockEvents opens a live stream delivering blocks stored after the
// call.
func (c *MockLedgerClient) SubscribeBlockEvents(ctx context.Context) (<-chan *api.BlockEvent, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.subscribe(ctx, nil), nil
}

// SubscribeBlockEventsFrom delivers all stored blocks from startBlock in
// ascending order and then continues with live blocks.
func (c *MockLedgerClient) SubscribeBlockEventsFrom(ctx context.Context, startBlock uint64) (<-chan *api.BlockEvent, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var history []*pb.FilteredBlock
	for _, block := range c.blocks {
		if block.Number >= startBlock {
			history = append(history, block)
		}
	}
	return c.subscribe(ctx, history), nil
}

// subscribe registers a consumer while holding the mutex, so no block stored
// concurrently with the subscription is dropped or duplicated at the
// history/live boundary.
func (c *MockLedgerClient) subscribe(ctx context.Context, history []*pb.FilteredBlock) chan *api.BlockEvent {
	eventch := make(chan *api.BlockEvent, consumerBufferSize)
	for _, block := range history {
		eventch <- &api.BlockEvent{FilteredBlock: block, SourceURL: c.sourceURL}
	}
	c.consumers[eventch] = struct{}{}

	go func() {
		<-ctx.Done()
		c.mutex.Lock()
		defer c.mutex.Unlock()
		if _, ok := c.consumers[eventch]; ok {
			delete(c.consumers, eventch)
			close(eventch)
		}
	}()

	return eventch
}

// NewFilteredBlock stores a new block with the given number and transactions
// and delivers it to all open subscriptions.
func (c *MockLedgerClient) NewFilteredBlock(blockNum uint64, transactions ...*pb.FilteredTransaction) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	block := &pb.FilteredBlock{
		ChannelId:            c.channelID,
		Number:               blockNum,
		FilteredTransactions: transactions,
	}
	c.blocks = append(c.blocks, block)

	for eventch := range c.consumers {
		eventch <- &api.BlockEvent{FilteredBlock: block, SourceURL: c.sourceURL}
	}
}

// LedgerHeight returns the number of stored blocks.
func (c *MockLedgerClient) LedgerHeight() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return uint64(len(c.blocks))
}

// SentRequest returns the last proposal request passed to SendProposal or
// EvaluateProposal.
func (c *MockLedgerClient) SentRequest() *api.ProposalRequest {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sentRequest
}

// Submitted returns the responses passed to the last SubmitTransaction call,
// or nil if no transaction was submitted.
func (c *MockLedgerClient) Submitted() []*api.ProposalResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.submitted
}

// MockPeer is a static api.Peer.
type MockPeer struct {
	PeerURL   string
	PeerMSPID string
}

// URL returns the peer URL.
func (p *MockPeer) URL() string { return p.PeerURL }

// MSPID returns the peer MSP ID.
func (p *MockPeer) MSPID() string { return p.PeerMSPID }

// NewMockPeer creates a peer with the given URL and MSP ID.
func NewMockPeer(url, mspID string) *MockPeer {
	return &MockPeer{PeerURL: url, PeerMSPID: mspID}
}

// MockIdentity is a static api.Identity.
type MockIdentity struct {
	ID string
}

// Identifier returns the identity label.
func (i *MockIdentity) Identifier() string { return i.ID }
