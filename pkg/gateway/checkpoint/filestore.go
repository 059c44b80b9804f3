/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package checkpoint provides checkpoint store implementations for resumable
// listener sessions.
package checkpoint

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

// version is the format version of persisted checkpoint files.
const version = 1

// persistedCheckpoint is the file envelope for a checkpoint.
type persistedCheckpoint struct {
	Version        int      `json:"version"`
	BlockNumber    uint64   `json:"blockNumber"`
	TransactionIDs []string `json:"transactionIds"`
}

// FileStore persists checkpoints as JSON files, one file per checkpoint
// identity, under a base directory. Writes are atomic (write-then-rename)
// and the block number is enforced to be monotonically non-decreasing
// across saves for an identity.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore rooted at the given directory, creating
// it if required.
func NewFileStore(path string) (*FileStore, error) {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(cleanPath, 0700); err != nil {
		return nil, errors.Wrapf(err, "error creating checkpoint directory [%s]", cleanPath)
	}
	return &FileStore{path: cleanPath}, nil
}

// Load returns the checkpoint persisted for the given identity, or nil when
// none exists.
func (fs *FileStore) Load(id string) (*api.Checkpoint, error) {
	data, err := os.ReadFile(fs.file(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "error reading checkpoint [%s]", id)
	}

	var state persistedCheckpoint
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "error parsing checkpoint [%s]", id)
	}
	if state.Version != version {
		return nil, errors.Errorf("unsupported checkpoint version [%d] for [%s]", state.Version, id)
	}

	return &api.Checkpoint{
		BlockNumber:    state.BlockNumber,
		TransactionIDs: state.TransactionIDs,
	}, nil
}

// Save persists the checkpoint for the given identity.
func (fs *FileStore) Save(id string, checkpoint *api.Checkpoint) error {
	existing, err := fs.Load(id)
	if err != nil {
		return err
	}
	if existing != nil && checkpoint.BlockNumber < existing.BlockNumber {
		return errors.Errorf("checkpoint block number may not decrease: have [%d], got [%d]", existing.BlockNumber, checkpoint.BlockNumber)
	}

	data, err := json.MarshalIndent(&persistedCheckpoint{
		Version:        version,
		BlockNumber:    checkpoint.BlockNumber,
		TransactionIDs: checkpoint.TransactionIDs,
	}, "", " ")
	if err != nil {
		return errors.Wrapf(err, "error serializing checkpoint [%s]", id)
	}

	file := fs.file(id)
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrapf(err, "error writing checkpoint [%s]", id)
	}
	if err := os.Rename(tmp, file); err != nil {
		return errors.Wrapf(err, "error committing checkpoint [%s]", id)
	}
	return nil
}

func (fs *FileStore) file(id string) string {
	return filepath.Join(fs.path, url.PathEscape(id)+".json")
}
