/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"context"
	"math/rand"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/google/uuid"
	cb "github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// defaultSubmitTimeout bounds the handoff of an endorsed transaction to the
// ordering service.
const defaultSubmitTimeout = 60 * time.Second

// A Transaction represents a specific invocation of a transaction function
// implemented by a contract. It is owned exclusively by the caller until
// submission; a new Transaction must be created for each invocation.
type Transaction struct {
	name           string
	contract       *Contract
	network        *Network
	request        *api.ProposalRequest
	endorsingPeers []api.Peer
	commitTimeout  time.Duration
	submitTimeout  time.Duration
	commitHandlers CommitHandlerFactory
	queryHandler   QueryHandler
}

// TransactionOption functionally configures a new Transaction.
type TransactionOption func(*Transaction) error

// WithTransient sets the transient data that will be passed to the
// transaction function but will not be stored on the ledger. This can be used
// to pass private data to a transaction function.
func WithTransient(data map[string][]byte) TransactionOption {
	return func(txn *Transaction) error {
		txn.request.TransientMap = data
		return nil
	}
}

// WithEndorsingPeers sets the peers used for endorsement of a transaction
// submitted with Submit, overriding discovery and the channel peer set.
func WithEndorsingPeers(peers ...api.Peer) TransactionOption {
	return func(txn *Transaction) error {
		txn.endorsingPeers = peers
		return nil
	}
}

// WithCommitTimeout overrides the gateway's default commit timeout for this
// transaction.
func WithCommitTimeout(timeout time.Duration) TransactionOption {
	return func(txn *Transaction) error {
		if timeout <= 0 {
			return errors.New("commit timeout must be greater than zero")
		}
		txn.commitTimeout = timeout
		return nil
	}
}

// WithIdentityOverride signs this transaction's requests with the given
// identity instead of the gateway's default.
func WithIdentityOverride(identity api.Identity) TransactionOption {
	return func(txn *Transaction) error {
		txn.request.Identity = identity
		return nil
	}
}

func newTransaction(name string, contract *Contract, options ...TransactionOption) (*Transaction, error) {
	gw := contract.network.gateway
	txn := &Transaction{
		name:     name,
		contract: contract,
		network:  contract.network,
		request: &api.ProposalRequest{
			ChaincodeID: contract.chaincodeID,
			Fcn:         contract.qualifiedFcn(name),
		},
		commitTimeout:  gw.options.CommitTimeout,
		submitTimeout:  gw.options.SubmitTimeout,
		commitHandlers: gw.options.CommitHandler,
		queryHandler:   gw.options.QueryHandler,
	}
	if txn.request.Identity == nil {
		txn.request.Identity = gw.options.Identity
	}

	for _, option := range options {
		if err := option(txn); err != nil {
			return nil, err
		}
	}

	return txn, nil
}

// Name returns the qualified name of the transaction function.
func (txn *Transaction) Name() string {
	return txn.name
}

// Submit endorses the transaction, hands it to the ordering service and
// blocks until it is committed or the commit timeout elapses. The returned
// payload is taken from the first valid proposal response; endorsement is
// simulated identically across peers, so only one payload is surfaced.
func (txn *Transaction) Submit(correlationID uuid.UUID, args ...string) (*api.TransactionResponse, error) {
	txn.request.Args = toByteArgs(args)

	responses, err := txn.endorseTransaction()
	if err != nil {
		submitsTotal.WithLabelValues(resultFailure).Inc()
		return nil, err
	}

	validResponses, err := validatePeerResponses(responses)
	if err != nil {
		submitsTotal.WithLabelValues(resultFailure).Inc()
		return nil, err
	}

	payload, err := txn.commitTransaction(validResponses)
	if err != nil {
		submitsTotal.WithLabelValues(resultFailure).Inc()
		// Attach the full response set to contract-level failures raised
		// after a valid endorsement, to aid diagnosis.
		return nil, withResponses(err, responses)
	}

	submitsTotal.WithLabelValues(resultSuccess).Inc()
	return &api.TransactionResponse{
		CorrelationID: correlationID,
		TransactionID: validResponses[0].TransactionID,
		Payload:       payload,
	}, nil
}

// endorseTransaction sends the proposal to peers chosen by priority:
// explicit endorsing peers, then discovery-based random selection when
// discovery is enabled, then the default channel peer set.
func (txn *Transaction) endorseTransaction() ([]*api.ProposalResponse, error) {
	client := txn.network.client
	ctx, cancel := context.WithTimeout(context.Background(), txn.submitTimeout)
	defer cancel()

	if txn.endorsingPeers != nil {
		responses, err := client.SendProposal(ctx, txn.request, txn.endorsingPeers)
		return responses, errors.WithMessage(err, "failed to send transaction proposal")
	}

	if txn.network.gateway.options.Discovery {
		return txn.sendProposalToDiscoveredEndorsers(ctx)
	}

	responses, err := client.SendProposal(ctx, txn.request, client.ChannelPeers())
	return responses, errors.WithMessage(err, "failed to send transaction proposal")
}

// sendProposalToDiscoveredEndorsers selects endorsers through service
// discovery, randomizing the endorsement layout. A failed attempt is retried,
// bounded by the number of known channel peers; retry applies only to this
// initial proposal phase.
func (txn *Transaction) sendProposalToDiscoveredEndorsers(ctx context.Context) ([]*api.ProposalResponse, error) {
	client := txn.network.client
	retryCount := len(client.ChannelPeers())

	for {
		responses, err := txn.discoverAndSend(ctx)
		if err == nil {
			return responses, nil
		}
		if retryCount <= 0 {
			return nil, errors.WithMessage(err, "failed to send transaction proposal to discovered endorsers")
		}
		logger.Infof("Retrying %s.%s.%s: %s", client.ChannelID(), txn.request.ChaincodeID, txn.request.Fcn, err)
		retryCount--
	}
}

func (txn *Transaction) discoverAndSend(ctx context.Context) ([]*api.ProposalResponse, error) {
	client := txn.network.client

	endorsers, err := client.DiscoverEndorsers(ctx, txn.request.ChaincodeID)
	if err != nil {
		return nil, errors.WithMessage(err, "discovery failed")
	}
	if len(endorsers) == 0 {
		return nil, errors.New("no endorsers found by discovery")
	}

	targets := make([]api.Peer, len(endorsers))
	copy(targets, endorsers)
	rand.Shuffle(len(targets), func(i, j int) {
		targets[i], targets[j] = targets[j], targets[i]
	})

	return client.SendProposal(ctx, txn.request, targets)
}

// validatePeerResponses partitions the proposal responses into valid and
// invalid. It fails with EndorsementError when no valid response remains.
func validatePeerResponses(responses []*api.ProposalResponse) ([]*api.ProposalResponse, error) {
	var validResponses []*api.ProposalResponse
	var invalidResponseMsgs []string
	for _, response := range responses {
		if response.Status == int32(cb.Status_SUCCESS) {
			logger.Debugf("validatePeerResponses: valid response from peer %s", response.Endorser)
			validResponses = append(validResponses, response)
		} else {
			logger.Warnf("validatePeerResponses: invalid response from peer %s, message %s", response.Endorser, response.Message)
			invalidResponseMsgs = append(invalidResponseMsgs, response.Message)
		}
	}

	if len(validResponses) == 0 {
		err := &EndorsementError{Responses: responses, Messages: invalidResponseMsgs}
		logger.Error(err.Error())
		return nil, err
	}

	return validResponses, nil
}

// commitTransaction arms a commit handler for the transaction, hands the
// endorsed transaction to the ordering service and waits for the commit
// event. The commit handler is armed strictly before submission: arming
// afterwards would race with the commit event arriving before a listener
// exists. The handler is cancelled on every error path.
func (txn *Transaction) commitTransaction(validResponses []*api.ProposalResponse) ([]byte, error) {
	transactionID := validResponses[0].TransactionID

	commitHandler := txn.commitHandlers.Create(transactionID, txn.network)
	if err := commitHandler.StartListening(); err != nil {
		return nil, errors.WithMessage(err, "failed to start listening for commit events")
	}

	ctx, cancel := context.WithTimeout(context.Background(), txn.submitTimeout)
	defer cancel()
	if err := txn.network.client.SubmitTransaction(ctx, validResponses); err != nil {
		commitHandler.CancelListening()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Phase: SubmitPhase, TransactionID: transactionID}
		}
		return nil, &CommitSubmissionError{TransactionID: transactionID, cause: err}
	}

	if err := commitHandler.WaitForEvents(txn.commitTimeout); err != nil {
		if commitErr, ok := err.(*CommitError); ok {
			commitErr.Responses = validResponses
		}
		return nil, err
	}

	payload, err := resultFromProposalResponse(validResponses[0].ProposalResponse)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to extract result from proposal response")
	}
	return payload, nil
}

// Evaluate runs a query-only proposal against peers selected by the query
// handler. The responses are not sent to the ordering service and nothing is
// committed to the ledger.
func (txn *Transaction) Evaluate(correlationID uuid.UUID, args ...string) (*api.TransactionResponse, error) {
	txn.request.Args = toByteArgs(args)

	query := newQuery(txn.network.client, txn.request, txn.network.client.ChannelPeers(), txn.submitTimeout)
	response, err := txn.queryHandler.Evaluate(query)
	if err != nil {
		evaluatesTotal.WithLabelValues(resultFailure).Inc()
		if _, ok := err.(*QueryError); ok {
			return nil, err
		}
		return nil, &QueryError{Message: "evaluation failed", cause: err}
	}

	payload, err := resultFromProposalResponse(response.ProposalResponse)
	if err != nil {
		evaluatesTotal.WithLabelValues(resultFailure).Inc()
		return nil, &QueryError{Message: response.Message, cause: err}
	}

	evaluatesTotal.WithLabelValues(resultSuccess).Inc()
	return &api.TransactionResponse{
		CorrelationID: correlationID,
		TransactionID: response.TransactionID,
		Payload:       payload,
	}, nil
}

// resultFromProposalResponse extracts the chaincode result payload from the
// raw proposal response.
func resultFromProposalResponse(proposalResponse *pb.ProposalResponse) ([]byte, error) {
	responsePayload := &pb.ProposalResponsePayload{}
	if err := proto.Unmarshal(proposalResponse.GetPayload(), responsePayload); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize proposal response payload")
	}

	chaincodeAction := &pb.ChaincodeAction{}
	if err := proto.Unmarshal(responsePayload.GetExtension(), chaincodeAction); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize chaincode action")
	}

	return chaincodeAction.GetResponse().GetPayload(), nil
}

func toByteArgs(args []string) [][]byte {
	bytes := make([][]byte, len(args))
	for i, v := range args {
		bytes[i] = []byte(v)
	}
	return bytes
}
