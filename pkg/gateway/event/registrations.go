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

// BlockFilter is applied to block events before delivery to a block
// registration; events for which it returns false are dropped.
type BlockFilter func(block *pb.FilteredBlock) bool

// acceptAny returns a block filter that accepts any block.
func acceptAny(*pb.FilteredBlock) bool {
	return true
}

// blockReg contains the data for a block registration.
type blockReg struct {
	filter  BlockFilter
	eventch chan *api.BlockEvent
}

// chaincodeReg contains the data for a chaincode event registration.
type chaincodeReg struct {
	chaincodeID string
	eventFilter string
	eventRegExp *regexp.Regexp
	eventch     chan *api.ContractEvent
}

// txStatusReg contains the data for a transaction status registration.
type txStatusReg struct {
	txID    string
	eventch chan *api.TxStatusEvent
}

// compileEventFilter compiles an event-name filter. The empty filter matches
// every event name.
func compileEventFilter(eventFilter string) (*regexp.Regexp, error) {
	if eventFilter == "" {
		return regexp.MustCompile(".*"), nil
	}
	return regexp.Compile(eventFilter)
}

// registration request events, processed by the dispatch goroutine

type registerBlockEvent struct {
	reg   *blockReg
	regch chan api.Registration
}

type registerChaincodeEvent struct {
	reg   *chaincodeReg
	regch chan api.Registration
	errch chan error
}

type registerTxStatusEvent struct {
	reg   *txStatusReg
	regch chan api.Registration
	errch chan error
}

type unregisterEvent struct {
	reg api.Registration
}

type stopEvent struct {
	errch chan error
}

func newStopEvent(errch chan error) *stopEvent {
	return &stopEvent{errch: errch}
}
