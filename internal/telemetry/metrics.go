/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry holds the Prometheus collectors for the relay core.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RTCMBytesRelayed counts payload bytes broadcast per mountpoint.
	RTCMBytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ntrip_relay_rtcm_bytes_total",
		Help: "RTCM bytes broadcast to rovers, per mountpoint.",
	}, []string{"mountpoint"})

	// ConnectedRovers tracks subscribed rover sessions per mountpoint.
	ConnectedRovers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ntrip_relay_connected_rovers",
		Help: "Currently subscribed rover sessions, per mountpoint.",
	}, []string{"mountpoint"})

	// SourceConnected reports upstream socket state per mountpoint.
	SourceConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ntrip_relay_source_connected",
		Help: "1 while the upstream source connection is established.",
	}, []string{"mountpoint"})

	// SourceReconnects counts lost upstream streams per mountpoint; failed
	// redials after a loss are not counted.
	SourceReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ntrip_relay_source_reconnects_total",
		Help: "Upstream streams lost after connecting, per mountpoint.",
	}, []string{"mountpoint"})

	// RoverAuthFailures counts rejected rover authentication attempts.
	RoverAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntrip_relay_rover_auth_failures_total",
		Help: "Rover connections rejected with 401.",
	})

	// RoverEvictions counts rovers dropped for failed writes.
	RoverEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntrip_relay_rover_evictions_total",
		Help: "Rover sessions evicted after a failed broadcast write.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
