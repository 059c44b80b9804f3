/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"github.com/prometheus/client_golang/prometheus"
)

var blocksDispatchedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fabric_gateway",
		Name:      "blocks_dispatched_total",
		Help:      "Number of block events processed by event dispatchers.",
	},
)

func init() {
	prometheus.MustRegister(blocksDispatchedTotal)
}
