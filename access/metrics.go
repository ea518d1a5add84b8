// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "turnstile_access_decisions_total",
	Help: "Access decisions by method and result.",
}, []string{"method", "result"})
