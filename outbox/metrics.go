// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turnstile_outbox_pending",
		Help: "Messages waiting in the outbox.",
	})

	flushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_outbox_flushed_total",
		Help: "Queued messages delivered after a reconnect.",
	})
)
