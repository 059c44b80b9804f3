/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package options provides the generic option pattern used by the event
// packages: options are applied to any params struct that implements the
// matching setter interface.
package options

// Params represents a construct that holds a set of parameters.
type Params interface{}

// Opt is an option that is applied to Params.
type Opt func(opts Params)

// Apply applies the given options to the given Params.
func Apply(params Params, opts []Opt) {
	for _, opt := range opts {
		opt(params)
	}
}
