// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnstile_credential_commands_total",
		Help: "Pushed credential commands by type and result.",
	}, []string{"type", "result"})

	healthchecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnstile_healthchecks_total",
		Help: "Healthcheck ticks by outcome.",
	}, []string{"result"})

	doorEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_door_events_total",
		Help: "Debounced door state changes.",
	})
)
