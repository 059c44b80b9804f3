/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/mocks"
)

func testNetwork(t *testing.T, client *mocks.MockLedgerClient, opts ...Option) *Network {
	t.Helper()

	gw, err := Connect(func(channel string) (api.LedgerClient, error) {
		return client, nil
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	network, err := gw.GetNetwork(client.ChannelID())
	require.NoError(t, err)
	return network
}

// commitOnSubmit makes the mock orderer commit the transaction as soon as it
// is accepted, with the given validation code.
func commitOnSubmit(client *mocks.MockLedgerClient, code pb.TxValidationCode) {
	client.SubmitHandler = func(ctx context.Context, responses []*api.ProposalResponse) error {
		client.NewFilteredBlock(1, mocks.NewFilteredTx(responses[0].TransactionID, code))
		return nil
	}
}

// recordingCommitHandler observes lifecycle calls on a real commit handler.
type recordingCommitHandler struct {
	CommitHandler
	listening bool
	cancelled bool
}

func (h *recordingCommitHandler) StartListening() error {
	h.listening = true
	return h.CommitHandler.StartListening()
}

func (h *recordingCommitHandler) CancelListening() {
	h.cancelled = true
	h.CommitHandler.CancelListening()
}

type recordingCommitHandlerFactory struct {
	handlers []*recordingCommitHandler
}

func (f *recordingCommitHandlerFactory) Create(transactionID string, network *Network) CommitHandler {
	h := &recordingCommitHandler{CommitHandler: DefaultCommitHandlers.NetworkAny.Create(transactionID, network)}
	f.handlers = append(f.handlers, h)
	return h
}

func TestSubmitTransaction(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP"), mocks.NewMockPeer("peer2:7051", "Org2MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", []byte("result")),
		mocks.NewSuccessResponse("peer2:7051", "tx1", []byte("result")),
	}
	commitOnSubmit(client, pb.TxValidationCode_VALID)

	network := testNetwork(t, client)
	contract := network.GetContract("mycc")

	result, err := contract.SubmitTransaction("createAsset", "asset1", "blue")
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), result)

	request := client.SentRequest()
	require.NotNil(t, request)
	assert.Equal(t, "mycc", request.ChaincodeID)
	assert.Equal(t, "createAsset", request.Fcn)
	assert.Equal(t, [][]byte{[]byte("asset1"), []byte("blue")}, request.Args)

	assert.Len(t, client.Submitted(), 2, "expecting both valid responses to be submitted")
}

func TestSubmitTransactionFirstValidPayload(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewErrorResponse("peer1:7051", "tx1", "chaincode error"),
		mocks.NewSuccessResponse("peer2:7051", "tx1", []byte("second")),
		mocks.NewSuccessResponse("peer3:7051", "tx1", []byte("third")),
	}
	commitOnSubmit(client, pb.TxValidationCode_VALID)

	network := testNetwork(t, client)

	result, err := network.GetContract("mycc").SubmitTransaction("fcn")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), result, "expecting the payload of the first valid response")
	assert.Len(t, client.Submitted(), 2, "expecting only valid responses to be submitted")
}

func TestSubmitTransactionEndorsementError(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewErrorResponse("peer1:7051", "tx1", "fried the chaincode"),
		mocks.NewErrorResponse("peer2:7051", "tx1", "burnt the chaincode"),
	}

	network := testNetwork(t, client)

	_, err := network.GetContract("mycc").SubmitTransaction("fcn")
	require.Error(t, err)

	var endorsementErr *EndorsementError
	require.True(t, errors.As(err, &endorsementErr))
	assert.Len(t, endorsementErr.Responses, 2)
	assert.Contains(t, err.Error(), "2 peer error responses")
	assert.Contains(t, err.Error(), "fried the chaincode")
	assert.Contains(t, err.Error(), "burnt the chaincode")

	assert.Nil(t, client.Submitted(), "expecting nothing to reach the orderer without a valid endorsement")
}

func TestSubmitTransactionArmsBeforeSubmit(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", []byte("result")),
	}

	factory := &recordingCommitHandlerFactory{}
	client.SubmitHandler = func(ctx context.Context, responses []*api.ProposalResponse) error {
		require.Len(t, factory.handlers, 1)
		assert.True(t, factory.handlers[0].listening, "commit handler must be listening before the orderer is invoked")
		// The commit event raised here must not be lost.
		client.NewFilteredBlock(1, mocks.NewFilteredTx(responses[0].TransactionID, pb.TxValidationCode_VALID))
		return nil
	}

	network := testNetwork(t, client, WithCommitHandler(factory))

	_, err := network.GetContract("mycc").SubmitTransaction("fcn")
	require.NoError(t, err)
}

func TestSubmitTransactionSubmissionError(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", []byte("result")),
	}
	client.SubmitHandler = func(ctx context.Context, responses []*api.ProposalResponse) error {
		return errors.New("orderer unavailable")
	}

	factory := &recordingCommitHandlerFactory{}
	network := testNetwork(t, client, WithCommitHandler(factory))

	_, err := network.GetContract("mycc").SubmitTransaction("fcn")
	require.Error(t, err)

	var submissionErr *CommitSubmissionError
	require.True(t, errors.As(err, &submissionErr))
	assert.Equal(t, "tx1", submissionErr.TransactionID)
	assert.True(t, errors.Is(err, submissionErr))

	require.Len(t, factory.handlers, 1)
	assert.True(t, factory.handlers[0].cancelled, "commit handler must be cancelled when submission fails")
}

func TestSubmitTransactionSubmissionTimeout(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", []byte("result")),
	}
	client.SubmitHandler = func(ctx context.Context, responses []*api.ProposalResponse) error {
		<-ctx.Done()
		return ctx.Err()
	}

	factory := &recordingCommitHandlerFactory{}
	network := testNetwork(t, client, WithCommitHandler(factory), WithDefaultSubmitTimeout(100*time.Millisecond))

	_, err := network.GetContract("mycc").SubmitTransaction("fcn")
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, SubmitPhase, timeoutErr.Phase)

	require.Len(t, factory.handlers, 1)
	assert.True(t, factory.handlers[0].cancelled)
}

func TestSubmitTransactionCommitTimeout(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", []byte("result")),
	}
	// The orderer accepts the transaction but no commit event ever arrives.

	network := testNetwork(t, client)
	contract := network.GetContract("mycc")

	txn, err := contract.CreateTransaction("fcn", WithCommitTimeout(100*time.Millisecond))
	require.NoError(t, err)

	_, err = txn.Submit(uuid.New())
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, CommitPhase, timeoutErr.Phase)
	assert.Equal(t, "tx1", timeoutErr.TransactionID)
}

func TestSubmitTransactionCommitFailure(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", []byte("result")),
	}
	commitOnSubmit(client, pb.TxValidationCode_MVCC_READ_CONFLICT)

	network := testNetwork(t, client)

	_, err := network.GetContract("mycc").SubmitTransaction("fcn")
	require.Error(t, err)

	var commitErr *CommitError
	require.True(t, errors.As(err, &commitErr))
	assert.Equal(t, "tx1", commitErr.TransactionID)
	assert.Equal(t, pb.TxValidationCode_MVCC_READ_CONFLICT, commitErr.TxValidationCode)
	assert.Len(t, commitErr.Responses, 1, "expecting the proposal responses to be attached for diagnosis")
}

func TestSubmitTransactionWithDiscovery(t *testing.T) {
	endorsers := []api.Peer{
		mocks.NewMockPeer("peer1:7051", "Org1MSP"),
		mocks.NewMockPeer("peer2:7051", "Org2MSP"),
	}
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer9:7051", "Org9MSP")}
	client.Endorsers = endorsers
	client.SendProposalHandler = func(ctx context.Context, request *api.ProposalRequest, targets []api.Peer) ([]*api.ProposalResponse, error) {
		assert.Len(t, targets, len(endorsers), "expecting the discovered endorsers to be targeted")
		return []*api.ProposalResponse{mocks.NewSuccessResponse("peer1:7051", "tx1", []byte("ok"))}, nil
	}
	commitOnSubmit(client, pb.TxValidationCode_VALID)

	network := testNetwork(t, client)

	result, err := network.GetContract("mycc").SubmitTransaction("fcn")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)
}

func TestSubmitTransactionDiscoveryDisabled(t *testing.T) {
	channelPeers := []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = channelPeers
	client.DiscoverErr = errors.New("discovery must not be used")
	client.SendProposalHandler = func(ctx context.Context, request *api.ProposalRequest, targets []api.Peer) ([]*api.ProposalResponse, error) {
		assert.Equal(t, channelPeers, targets)
		return []*api.ProposalResponse{mocks.NewSuccessResponse("peer1:7051", "tx1", nil)}, nil
	}
	commitOnSubmit(client, pb.TxValidationCode_VALID)

	network := testNetwork(t, client, WithDiscovery(false))

	_, err := network.GetContract("mycc").SubmitTransaction("fcn")
	require.NoError(t, err)
}

func TestSubmitTransactionWithEndorsingPeers(t *testing.T) {
	explicit := []api.Peer{mocks.NewMockPeer("peer7:7051", "Org7MSP")}
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.DiscoverErr = errors.New("discovery must not be used")
	client.SendProposalHandler = func(ctx context.Context, request *api.ProposalRequest, targets []api.Peer) ([]*api.ProposalResponse, error) {
		assert.Equal(t, explicit, targets, "expecting explicit endorsing peers to take priority")
		return []*api.ProposalResponse{mocks.NewSuccessResponse("peer7:7051", "tx1", nil)}, nil
	}
	commitOnSubmit(client, pb.TxValidationCode_VALID)

	network := testNetwork(t, client)

	txn, err := network.GetContract("mycc").CreateTransaction("fcn", WithEndorsingPeers(explicit...))
	require.NoError(t, err)

	_, err = txn.Submit(uuid.New())
	require.NoError(t, err)
}

func TestSubmitTransactionWithTransient(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", nil),
	}
	commitOnSubmit(client, pb.TxValidationCode_VALID)

	network := testNetwork(t, client)

	transient := map[string][]byte{"price": []byte("99")}
	txn, err := network.GetContract("mycc").CreateTransaction("fcn", WithTransient(transient))
	require.NoError(t, err)

	_, err = txn.Submit(uuid.New())
	require.NoError(t, err)
	assert.Equal(t, transient, client.SentRequest().TransientMap)
}

func TestEvaluateTransaction(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", []byte("value")),
	}

	network := testNetwork(t, client)

	result, err := network.GetContract("mycc").EvaluateTransaction("readAsset", "asset1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), result)

	assert.Nil(t, client.Submitted(), "evaluation must not reach the orderer")
	assert.Equal(t, [][]byte{[]byte("asset1")}, client.SentRequest().Args)
}

func TestEvaluateTransactionAllPeersFail(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP"), mocks.NewMockPeer("peer2:7051", "Org2MSP")}
	client.EvaluateHandler = func(ctx context.Context, request *api.ProposalRequest, target api.Peer) (*api.ProposalResponse, error) {
		return nil, errors.Errorf("%s unavailable", target.URL())
	}

	network := testNetwork(t, client)

	_, err := network.GetContract("mycc").EvaluateTransaction("readAsset")
	require.Error(t, err)

	var queryErr *QueryError
	require.True(t, errors.As(err, &queryErr))
	assert.Contains(t, err.Error(), "no successful response from any peer")
}

func TestContractName(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	network := testNetwork(t, client)

	assert.Equal(t, "mycc", network.GetContract("mycc").Name())
	assert.Equal(t, "mycc:asset", network.GetContractWithName("mycc", "asset").Name())
}

func TestContractQualifiedFunctionName(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	client.Peers = []api.Peer{mocks.NewMockPeer("peer1:7051", "Org1MSP")}
	client.ProposalResponses = []*api.ProposalResponse{
		mocks.NewSuccessResponse("peer1:7051", "tx1", nil),
	}

	network := testNetwork(t, client)

	_, err := network.GetContractWithName("mycc", "asset").EvaluateTransaction("read")
	require.NoError(t, err)
	assert.Equal(t, "asset:read", client.SentRequest().Fcn)
}
