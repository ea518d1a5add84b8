// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turnstile_session_state",
		Help: "Session state: 0 disconnected, 1 fetching token, 2 connecting, 3 connected.",
	})

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnstile_session_publish_total",
		Help: "PublishOrQueue outcomes.",
	}, []string{"result"})

	tokenFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnstile_session_token_fetch_total",
		Help: "Token fetches from the identity service, by outcome.",
	}, []string{"result"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_session_reconnects_scheduled_total",
		Help: "Reconnection sequences scheduled after an unexpected disconnect or failed attempt.",
	})
)
