/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"fmt"
	"strings"

	pb "github.com/hyperledger/fabric-protos-go/peer"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// TimeoutPhase identifies which phase of transaction submission exceeded its
// bound.
type TimeoutPhase int

const (
	// SubmitPhase is the handoff of the endorsed transaction to the
	// ordering service.
	SubmitPhase TimeoutPhase = iota

	// CommitPhase is the wait for the commit block event.
	CommitPhase
)

func (p TimeoutPhase) String() string {
	if p == SubmitPhase {
		return "submit"
	}
	return "commit"
}

// EndorsementError indicates that no valid proposal response was received
// from any endorsing peer. It carries the full response set and the
// aggregated peer failure messages.
type EndorsementError struct {
	Responses []*api.ProposalResponse
	Messages  []string
}

func (e *EndorsementError) Error() string {
	return fmt.Sprintf("no valid proposal responses received. %d peer error responses: %s",
		len(e.Messages), strings.Join(e.Messages, "; "))
}

// CommitSubmissionError indicates a ledger-client-level failure submitting
// the endorsed transaction to the ordering service. Commit listening has been
// cancelled before this error is raised.
type CommitSubmissionError struct {
	TransactionID string
	cause         error
}

func (e *CommitSubmissionError) Error() string {
	return fmt.Sprintf("failed to send transaction %s to the orderer: %s", e.TransactionID, e.cause)
}

// Unwrap returns the underlying transport error.
func (e *CommitSubmissionError) Unwrap() error {
	return e.cause
}

// TimeoutError indicates that submission or commit-wait exceeded its bound.
type TimeoutError struct {
	Phase         TimeoutPhase
	TransactionID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out in %s phase waiting for transaction %s", e.Phase, e.TransactionID)
}

// CommitError indicates that the transaction was committed in a block but
// failed validation. The proposal response set is attached for diagnosis.
type CommitError struct {
	TransactionID    string
	TxValidationCode pb.TxValidationCode
	Responses        []*api.ProposalResponse
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("transaction %s failed validation with code %s", e.TransactionID, e.TxValidationCode)
}

// QueryError indicates that a read-only evaluation failed or that its
// response payload could not be parsed.
type QueryError struct {
	Message string
	cause   error
}

func (e *QueryError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("query failed: %s: %s", e.Message, e.cause)
	}
	return fmt.Sprintf("query failed: %s", e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *QueryError) Unwrap() error {
	return e.cause
}

// ContractError wraps a contract-level failure raised after endorsement with
// the full original proposal response set, to aid diagnosis.
type ContractError struct {
	Responses []*api.ProposalResponse
	cause     error
}

func (e *ContractError) Error() string {
	return e.cause.Error()
}

// Unwrap returns the wrapped error.
func (e *ContractError) Unwrap() error {
	return e.cause
}

// withResponses attaches the proposal response set to a contract-level error
// raised after endorsement. Timeout and submission errors pass through
// unchanged, as do errors that already carry the response set.
func withResponses(err error, responses []*api.ProposalResponse) error {
	switch err.(type) {
	case *EndorsementError, *CommitError, *ContractError, *TimeoutError, *CommitSubmissionError:
		return err
	}
	return &ContractError{Responses: responses, cause: err}
}
