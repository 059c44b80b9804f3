/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// WithConfigFile is an optional argument to the Connect method which loads
// gateway settings from a config file. Recognized keys:
//
//	client.organization        client organization name
//	client.discovery.enabled   enable service discovery (default true)
//	gateway.commitTimeout      commit wait timeout (duration)
//	gateway.submitTimeout      ordering service submission timeout (duration)
//
// Settings from the file are applied in option order, so options placed after
// WithConfigFile override the file's values.
func WithConfigFile(path string) Option {
	return func(gw *Gateway, o *gatewayOptions) error {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file [%s]", path)
		}

		if v.IsSet("client.organization") {
			o.Org = v.GetString("client.organization")
		}
		if v.IsSet("client.discovery.enabled") {
			o.Discovery = v.GetBool("client.discovery.enabled")
		}
		if v.IsSet("gateway.commitTimeout") {
			timeout := v.GetDuration("gateway.commitTimeout")
			if timeout <= 0 {
				return errors.New("gateway.commitTimeout must be a positive duration")
			}
			o.CommitTimeout = timeout
		}
		if v.IsSet("gateway.submitTimeout") {
			timeout := v.GetDuration("gateway.submitTimeout")
			if timeout <= 0 {
				return errors.New("gateway.submitTimeout must be a positive duration")
			}
			o.SubmitTimeout = timeout
		}

		return nil
	}
}
