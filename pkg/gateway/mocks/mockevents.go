/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mocks

import (
	"github.com/golang/protobuf/proto"
	cb "github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// NewProposalResponse builds a proposal response whose raw payload carries
// the given chaincode result through the real proto chain
// (ChaincodeAction -> ProposalResponsePayload -> ProposalResponse), so that
// payload extraction in the gateway core operates on realistic data.
func NewProposalResponse(endorser, txID string, status int32, message string, payload []byte) *api.ProposalResponse {
	chaincodeAction := &pb.ChaincodeAction{
		Response: &pb.Response{
			Status:  status,
			Payload: payload,
		},
	}
	extension, err := proto.Marshal(chaincodeAction)
	if err != nil {
		panic(err)
	}
	responsePayload, err := proto.Marshal(&pb.ProposalResponsePayload{Extension: extension})
	if err != nil {
		panic(err)
	}

	return &api.ProposalResponse{
		Endorser:      endorser,
		Status:        status,
		Message:       message,
		TransactionID: txID,
		ProposalResponse: &pb.ProposalResponse{
			Response: &pb.Response{
				Status:  status,
				Message: message,
			},
			Payload: responsePayload,
		},
	}
}

// NewSuccessResponse builds a successful proposal response with the given
// result payload.
func NewSuccessResponse(endorser, txID string, payload []byte) *api.ProposalResponse {
	return NewProposalResponse(endorser, txID, int32(cb.Status_SUCCESS), "", payload)
}

// NewErrorResponse builds a failed proposal response with the given message.
func NewErrorResponse(endorser, txID string, message string) *api.ProposalResponse {
	return NewProposalResponse(endorser, txID, int32(cb.Status_INTERNAL_SERVER_ERROR), message, nil)
}

// NewFilteredTx builds a filtered transaction with the given validation code
// and no chaincode event.
func NewFilteredTx(txID string, code pb.TxValidationCode) *pb.FilteredTransaction {
	return &pb.FilteredTransaction{
		Txid:             txID,
		Type:             cb.HeaderType_ENDORSER_TRANSACTION,
		TxValidationCode: code,
	}
}

// NewFilteredTxWithCCEvent builds a valid filtered transaction carrying one
// chaincode event.
func NewFilteredTxWithCCEvent(txID, ccID, eventName string, payload []byte) *pb.FilteredTransaction {
	tx := NewFilteredTx(txID, pb.TxValidationCode_VALID)
	tx.Data = &pb.FilteredTransaction_TransactionActions{
		TransactionActions: &pb.FilteredTransactionActions{
			ChaincodeActions: []*pb.FilteredChaincodeAction{
				{
					ChaincodeEvent: &pb.ChaincodeEvent{
						ChaincodeId: ccID,
						TxId:        txID,
						EventName:   eventName,
						Payload:     payload,
					},
				},
			},
		},
	}
	return tx
}
