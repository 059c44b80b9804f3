/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package api contains the data model shared by the gateway packages and the
// interfaces of the collaborators the gateway core is built on: the ledger
// client, which performs all peer and orderer communication, and the
// checkpoint store, which persists listener progress.
package api

import (
	"context"

	"github.com/google/uuid"
	pb "github.com/hyperledger/fabric-protos-go/peer"
)

// Peer is an endorsing peer known to the ledger client.
type Peer interface {
	// URL is the address of the peer.
	URL() string

	// MSPID is the membership service provider ID of the peer's organization.
	MSPID() string
}

// Identity is an opaque signing identity managed by the ledger client
// provider. The gateway core never inspects credentials; it only carries an
// identity override through to the ledger client.
type Identity interface {
	Identifier() string
}

// ProposalRequest carries a transaction proposal to be simulated by peers.
type ProposalRequest struct {
	ChaincodeID  string
	Fcn          string
	Args         [][]byte
	TransientMap map[string][]byte

	// Identity overrides the client's default signing identity when set.
	Identity Identity
}

// ProposalResponse is a single peer's endorsement of a proposal.
// It is immutable once received from the ledger client.
type ProposalResponse struct {
	// Endorser is the URL of the responding peer.
	Endorser string

	// Status is the chaincode response status. common.Status_SUCCESS (200)
	// indicates a valid endorsement.
	Status int32

	// Message holds the peer's failure message for non-success responses.
	Message string

	// TransactionID is the ID assigned to the proposal by the ledger client.
	TransactionID string

	// ProposalResponse is the raw signed response, carrying the serialized
	// chaincode action from which the result payload is extracted.
	ProposalResponse *pb.ProposalResponse
}

// TransactionResponse is the result of a submitted or evaluated transaction.
type TransactionResponse struct {
	// CorrelationID is the caller-supplied opaque request correlator.
	CorrelationID uuid.UUID

	// TransactionID identifies the transaction on the ledger.
	TransactionID string

	// Payload is the chaincode result returned by endorsement.
	Payload []byte
}

// BlockEvent carries one filtered block from the ledger's block stream.
type BlockEvent struct {
	FilteredBlock *pb.FilteredBlock
	SourceURL     string
}

// TxStatusEvent notifies that a transaction was committed in a block.
type TxStatusEvent struct {
	TxID             string
	TxValidationCode pb.TxValidationCode
	BlockNumber      uint64
	SourceURL        string
}

// ContractEvent is a chaincode event decoded from a committed transaction.
type ContractEvent struct {
	ChaincodeID string
	EventName   string
	TxID        string
	Payload     []byte
	BlockNumber uint64
	SourceURL   string
}

// ContractListener receives decoded contract events for a listener session.
type ContractListener func(*ContractEvent)

// Registration is an opaque handle returned by event registration calls and
// passed back to unregister.
type Registration interface{}

// LedgerClient is the boundary to the underlying ledger transport. It sends
// proposals, submits endorsed transactions to the ordering service and
// streams block events. Implementations own all networking, TLS, signing
// and service discovery.
type LedgerClient interface {
	// ChannelID returns the name of the channel this client is bound to.
	ChannelID() string

	// ChannelPeers returns the statically configured peers of the channel.
	ChannelPeers() []Peer

	// DiscoverEndorsers returns peers able to endorse for the given
	// chaincode, as reported by service discovery.
	DiscoverEndorsers(ctx context.Context, chaincodeID string) ([]Peer, error)

	// SendProposal sends the proposal to the given peers for simulation and
	// returns their responses. A transport or argument failure is returned
	// as an error; individual peer failures are reported through the
	// response status.
	SendProposal(ctx context.Context, request *ProposalRequest, targets []Peer) ([]*ProposalResponse, error)

	// SubmitTransaction sends the endorsed transaction to the ordering
	// service and returns once the orderer has accepted it, or when ctx
	// expires. Implementations must not wait for commit events; commit
	// notification is handled by the caller.
	SubmitTransaction(ctx context.Context, responses []*ProposalResponse) error

	// EvaluateProposal sends a query-only proposal to a single peer.
	EvaluateProposal(ctx context.Context, request *ProposalRequest, target Peer) (*ProposalResponse, error)

	// SubscribeBlockEvents opens the channel's live block stream. There is
	// one logical subscription per network; the returned channel is closed
	// when ctx is cancelled.
	SubscribeBlockEvents(ctx context.Context) (<-chan *BlockEvent, error)

	// SubscribeBlockEventsFrom opens a block stream that first delivers all
	// historical blocks from startBlock (inclusive) in ascending order and
	// then continues seamlessly with live blocks, without a gap or duplicate
	// at the boundary.
	SubscribeBlockEventsFrom(ctx context.Context, startBlock uint64) (<-chan *BlockEvent, error)
}

// Checkpoint records listener progress: the last block processed and the
// transactions already delivered within that block, so that a resumed
// listener does not redeliver them.
type Checkpoint struct {
	BlockNumber    uint64   `json:"blockNumber"`
	TransactionIDs []string `json:"transactionIds"`
}

// Clone returns a deep copy of the checkpoint.
func (cp *Checkpoint) Clone() *Checkpoint {
	ids := make([]string, len(cp.TransactionIDs))
	copy(ids, cp.TransactionIDs)
	return &Checkpoint{BlockNumber: cp.BlockNumber, TransactionIDs: ids}
}

// ContainsTransaction reports whether the given transaction was already
// processed at the checkpointed block.
func (cp *Checkpoint) ContainsTransaction(txID string) bool {
	for _, id := range cp.TransactionIDs {
		if id == txID {
			return true
		}
	}
	return false
}

// CheckpointStore persists checkpoints keyed by listener identity.
// Implementations must be safe for use from the event dispatch goroutine and
// are expected to serialize writes per identity.
type CheckpointStore interface {
	// Load returns the checkpoint for the given identity, or nil when no
	// checkpoint has been saved.
	Load(id string) (*Checkpoint, error)

	// Save persists the checkpoint for the given identity. The block number
	// must be monotonically non-decreasing across saves for an identity.
	Save(id string, checkpoint *Checkpoint) error
}
