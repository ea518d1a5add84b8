// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var payloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "turnstile_credential_payloads_total",
	Help: "Biometric payloads processed by upserts, by kind and outcome.",
}, []string{"kind", "result"})
