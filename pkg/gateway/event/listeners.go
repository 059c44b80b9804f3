/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"regexp"

	pb "github.com/hyperledger/fabric-protos-go/peer"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// contractEvents extracts the contract events of a block that match the given
// chaincode ID and event-name filter, in the block's native transaction
// order. Events of transactions with an invalid validation code are excluded.
func contractEvents(event *api.BlockEvent, ccID string, eventRegExp *regexp.Regexp) []*api.ContractEvent {
	fblock := event.FilteredBlock
	if fblock == nil {
		return nil
	}

	var events []*api.ContractEvent
	for _, tx := range fblock.FilteredTransactions {
		if tx.TxValidationCode != pb.TxValidationCode_VALID {
			continue
		}
		txActions := tx.GetTransactionActions()
		if txActions == nil {
			continue
		}
		for _, action := range txActions.ChaincodeActions {
			ccEvent := action.ChaincodeEvent
			if ccEvent == nil {
				continue
			}
			if ccEvent.ChaincodeId != ccID || !eventRegExp.MatchString(ccEvent.EventName) {
				continue
			}
			events = append(events, &api.ContractEvent{
				ChaincodeID: ccEvent.ChaincodeId,
				EventName:   ccEvent.EventName,
				TxID:        ccEvent.TxId,
				Payload:     ccEvent.Payload,
				BlockNumber: fblock.Number,
				SourceURL:   event.SourceURL,
			})
		}
	}
	return events
}

// invokeListener hands the event to the application consumer, isolating the
// session from listener failures: a panicking listener is reported and must
// not interrupt dispatch to other listeners or terminate the underlying
// block subscription. Returns false if the listener panicked.
func invokeListener(listener api.ContractListener, event *api.ContractEvent) (delivered bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("Listener for chaincode [%s] panicked delivering event [%s] for TxID [%s]: %s",
				event.ChaincodeID, event.EventName, event.TxID, p)
			delivered = false
		}
	}()

	listener(event)
	return true
}
