/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checkpoint

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// InMemoryStore keeps checkpoints in memory. Useful for testing and for
// listeners whose progress need not survive a restart.
type InMemoryStore struct {
	mutex       sync.RWMutex
	checkpoints map[string]*api.Checkpoint
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		checkpoints: make(map[string]*api.Checkpoint),
	}
}

// Load returns the checkpoint for the given identity, or nil when absent.
func (ms *InMemoryStore) Load(id string) (*api.Checkpoint, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	checkpoint, ok := ms.checkpoints[id]
	if !ok {
		return nil, nil
	}
	return checkpoint.Clone(), nil
}

// Save stores the checkpoint for the given identity.
func (ms *InMemoryStore) Save(id string, checkpoint *api.Checkpoint) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if existing, ok := ms.checkpoints[id]; ok && checkpoint.BlockNumber < existing.BlockNumber {
		return errors.Errorf("checkpoint block number may not decrease: have [%d], got [%d]", existing.BlockNumber, checkpoint.BlockNumber)
	}
	ms.checkpoints[id] = checkpoint.Clone()
	return nil
}
