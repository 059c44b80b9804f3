/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "fabric_gateway"

	resultSuccess = "success"
	resultFailure = "failure"
)

var (
	submitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transaction_submits_total",
			Help:      "Number of transaction submissions, by result.",
		},
		[]string{"result"},
	)
	evaluatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transaction_evaluates_total",
			Help:      "Number of transaction evaluations, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(submitsTotal, evaluatesTotal)
}
