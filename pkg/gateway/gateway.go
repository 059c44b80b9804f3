/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package gateway enables Go developers to build client applications using
// the Hyperledger Fabric programming model: connect to a gateway, obtain a
// network (channel) and invoke transactions on its smart contracts. The
// gateway orchestrates endorsement, submission to the ordering service and
// waiting for the transaction to commit; how proposals and events reach the
// network is delegated to an api.LedgerClient supplied by the caller.
package gateway

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-gateway-go/pkg/common/logging"
	"github.com/hyperledger/fabric-gateway-go/pkg/gateway/api"
)

var logger = logging.NewLogger("gateway")

const defaultCommitTimeout = 5 * time.Minute

// ClientProvider supplies the ledger client for a channel. It is invoked
// lazily, once per channel, when the application first asks for that network.
type ClientProvider func(channel string) (api.LedgerClient, error)

type gatewayOptions struct {
	CommitHandler CommitHandlerFactory
	QueryHandler  QueryHandler
	Discovery     bool
	CommitTimeout time.Duration
	SubmitTimeout time.Duration
	Identity      api.Identity
	Org           string
}

// A Gateway is the entry point to a Fabric network. Applications should call
// Connect to obtain one and Close when finished with it.
type Gateway struct {
	provider ClientProvider
	options  *gatewayOptions

	lock     sync.Mutex
	networks map[string]*Network
	closed   bool
}

// Option functional arguments can be supplied when connecting to customize
// the gateway.
type Option func(*Gateway, *gatewayOptions) error

// Connect creates a gateway whose networks are backed by ledger clients from
// the given provider. Zero or more options customize commit handling, query
// handling, discovery, identity and timeouts.
func Connect(provider ClientProvider, opts ...Option) (*Gateway, error) {
	if provider == nil {
		return nil, errors.New("client provider is nil")
	}

	gw := &Gateway{
		provider: provider,
		options: &gatewayOptions{
			CommitHandler: DefaultCommitHandlers.NetworkAny,
			QueryHandler:  DefaultQueryHandlers.Single,
			Discovery:     true,
			CommitTimeout: defaultCommitTimeout,
			SubmitTimeout: defaultSubmitTimeout,
		},
		networks: make(map[string]*Network),
	}

	for _, opt := range opts {
		if err := opt(gw, gw.options); err != nil {
			return nil, errors.WithMessage(err, "failed to apply gateway option")
		}
	}

	return gw, nil
}

// WithCommitHandler is an optional argument to the Connect method which
// allows an alternative commit handler to be specified. The commit handler
// defines how client code waits to receive commit events following submit of
// a transaction.
func WithCommitHandler(factory CommitHandlerFactory) Option {
	return func(gw *Gateway, o *gatewayOptions) error {
		if factory == nil {
			return errors.New("commit handler factory is nil")
		}
		o.CommitHandler = factory
		return nil
	}
}

// WithQueryHandler is an optional argument to the Connect method which
// allows an alternative query handler to be specified. The query handler
// defines which peers evaluate a query and how failures are retried.
func WithQueryHandler(handler QueryHandler) Option {
	return func(gw *Gateway, o *gatewayOptions) error {
		if handler == nil {
			return errors.New("query handler is nil")
		}
		o.QueryHandler = handler
		return nil
	}
}

// WithDiscovery is an optional argument to the Connect method which enables
// or disables service discovery for all transaction submissions for this
// gateway.
func WithDiscovery(discovery bool) Option {
	return func(gw *Gateway, o *gatewayOptions) error {
		o.Discovery = discovery
		return nil
	}
}

// WithIdentity is an optional argument to the Connect method which specifies
// the identity used for all operations under this gateway connection.
func WithIdentity(identity api.Identity) Option {
	return func(gw *Gateway, o *gatewayOptions) error {
		o.Identity = identity
		return nil
	}
}

// WithDefaultCommitTimeout is an optional argument to the Connect method
// which sets the default maximum time to wait for a submitted transaction to
// commit.
func WithDefaultCommitTimeout(timeout time.Duration) Option {
	return func(gw *Gateway, o *gatewayOptions) error {
		if timeout <= 0 {
			return errors.New("commit timeout must be positive")
		}
		o.CommitTimeout = timeout
		return nil
	}
}

// WithDefaultSubmitTimeout is an optional argument to the Connect method
// which sets the default maximum time to wait for the ordering service to
// accept a transaction.
func WithDefaultSubmitTimeout(timeout time.Duration) Option {
	return func(gw *Gateway, o *gatewayOptions) error {
		if timeout <= 0 {
			return errors.New("submit timeout must be positive")
		}
		o.SubmitTimeout = timeout
		return nil
	}
}

// GetNetwork returns an object representing a network channel. Networks are
// created lazily and cached: repeated calls with the same name return the
// same Network, which owns the channel's single live block subscription.
func (gw *Gateway) GetNetwork(name string) (*Network, error) {
	gw.lock.Lock()
	defer gw.lock.Unlock()

	if gw.closed {
		return nil, errors.New("gateway is closed")
	}
	if network, ok := gw.networks[name]; ok {
		return network, nil
	}

	client, err := gw.provider(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create ledger client for channel [%s]", name)
	}

	network, err := newNetwork(gw, client)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create network [%s]", name)
	}
	gw.networks[name] = network

	return network, nil
}

// Close releases all networks obtained from this gateway, along with their
// contract listeners and event subscriptions. Close is idempotent.
func (gw *Gateway) Close() {
	gw.lock.Lock()
	if gw.closed {
		gw.lock.Unlock()
		return
	}
	gw.closed = true
	networks := make([]*Network, 0, len(gw.networks))
	for _, network := range gw.networks {
		networks = append(networks, network)
	}
	gw.lock.Unlock()

	for _, network := range networks {
		network.Close()
	}
}
