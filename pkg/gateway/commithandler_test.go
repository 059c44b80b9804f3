/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"sync"
	"testing"
	"time"

	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/mocks"
)

func newCommitHandler(t *testing.T, client *mocks.MockLedgerClient, txID string) *commitHandler {
	t.Helper()

	network := testNetwork(t, client)
	handler := DefaultCommitHandlers.NetworkAny.Create(txID, network).(*commitHandler)
	assert.Equal(t, Created, handler.State())
	return handler
}

func TestCommitHandlerCompletes(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	handler := newCommitHandler(t, client, "tx1")

	require.NoError(t, handler.StartListening())
	assert.Equal(t, Listening, handler.State())

	client.NewFilteredBlock(1, mocks.NewFilteredTx("tx1", pb.TxValidationCode_VALID))

	require.NoError(t, handler.WaitForEvents(5*time.Second))
	assert.Equal(t, Completed, handler.State())
}

func TestCommitHandlerInvalidCode(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	handler := newCommitHandler(t, client, "tx1")

	require.NoError(t, handler.StartListening())
	client.NewFilteredBlock(1, mocks.NewFilteredTx("tx1", pb.TxValidationCode_ENDORSEMENT_POLICY_FAILURE))

	err := handler.WaitForEvents(5 * time.Second)
	require.Error(t, err)

	commitErr, ok := err.(*CommitError)
	require.True(t, ok)
	assert.Equal(t, "tx1", commitErr.TransactionID)
	assert.Equal(t, pb.TxValidationCode_ENDORSEMENT_POLICY_FAILURE, commitErr.TxValidationCode)
	assert.Equal(t, Completed, handler.State())
}

func TestCommitHandlerIgnoresOtherTransactions(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	handler := newCommitHandler(t, client, "tx1")

	require.NoError(t, handler.StartListening())
	client.NewFilteredBlock(1, mocks.NewFilteredTx("tx2", pb.TxValidationCode_VALID))

	err := handler.WaitForEvents(200 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, TimedOut, handler.State())
}

func TestCommitHandlerTimeoutIgnoresLateEvent(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	handler := newCommitHandler(t, client, "tx1")

	require.NoError(t, handler.StartListening())

	err := handler.WaitForEvents(100 * time.Millisecond)
	require.Error(t, err)

	timeoutErr, ok := err.(*TimeoutError)
	require.True(t, ok)
	assert.Equal(t, CommitPhase, timeoutErr.Phase)
	assert.Equal(t, TimedOut, handler.State())

	// A commit event arriving after the timeout must not change the outcome.
	client.NewFilteredBlock(1, mocks.NewFilteredTx("tx1", pb.TxValidationCode_VALID))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, TimedOut, handler.State())
}

func TestCommitHandlerCancel(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	handler := newCommitHandler(t, client, "tx1")

	require.NoError(t, handler.StartListening())

	handler.CancelListening()
	handler.CancelListening()
	assert.Equal(t, Cancelled, handler.State())

	err := handler.WaitForEvents(5 * time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestCommitHandlerCancelBeforeListening(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	handler := newCommitHandler(t, client, "tx1")

	handler.CancelListening()
	assert.Equal(t, Cancelled, handler.State())

	require.NoError(t, handler.StartListening())
	assert.Equal(t, Cancelled, handler.State(), "listening must not start after cancellation")
}

func TestCommitHandlerConcurrentCancelAndDelivery(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	handler := newCommitHandler(t, client, "tx1")

	require.NoError(t, handler.StartListening())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		handler.CancelListening()
	}()
	go func() {
		defer wg.Done()
		client.NewFilteredBlock(1, mocks.NewFilteredTx("tx1", pb.TxValidationCode_VALID))
	}()
	wg.Wait()

	handler.WaitForEvents(5 * time.Second)

	state := handler.State()
	assert.True(t, state == Cancelled || state == Completed, "exactly one terminal transition must win, got %s", state)
}

func TestCommitHandlerDuplicateRegistration(t *testing.T) {
	client := mocks.NewMockLedgerClient("testchannel")
	network := testNetwork(t, client)

	first := DefaultCommitHandlers.NetworkAny.Create("tx1", network)
	require.NoError(t, first.StartListening())
	defer first.CancelListening()

	second := DefaultCommitHandlers.NetworkAny.Create("tx1", network)
	err := second.StartListening()
	assert.Error(t, err, "expecting error arming two handlers for the same transaction")
}

func TestNoopCommitHandler(t *testing.T) {
	handler := DefaultCommitHandlers.None.Create("tx1", nil)
	require.NoError(t, handler.StartListening())
	require.NoError(t, handler.WaitForEvents(time.Nanosecond))
	handler.CancelListening()
}
