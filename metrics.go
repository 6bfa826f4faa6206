// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call kinds used as metric labels.
const (
	kindCall   = "call"
	kindRemote = "remote"
)

// Metrics are the Prometheus collectors maintained by a Client and a
// MemoryRegistry. A nil *Metrics disables collection.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec   // kind=call|remote, result=success|failure
	CallLatency  *prometheus.HistogramVec // kind=call|remote
	PendingUsers prometheus.Gauge
	OwnerRRefs   prometheus.Gauge
	ForkConfirms *prometheus.CounterVec // result=confirmed|released|duplicate|unknown
}

// NewMetrics returns unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distrpc_calls_total",
				Help: "Settled remote calls by kind and result",
			},
			[]string{"kind", "result"},
		),
		CallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distrpc_call_latency_ms",
				Help:    "Time from dispatch to settlement of remote calls",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
			},
			[]string{"kind"},
		),
		PendingUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "distrpc_pending_users",
				Help: "User forks awaiting confirmation from their owner",
			},
		),
		OwnerRRefs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "distrpc_owner_rrefs",
				Help: "Owner references held by the registry",
			},
		),
		ForkConfirms: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distrpc_fork_confirmations_total",
				Help: "Pending fork resolutions by result",
			},
			[]string{"result"},
		),
	}
}

// MustRegister registers every collector with r.
func (m *Metrics) MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		m.CallsTotal,
		m.CallLatency,
		m.PendingUsers,
		m.OwnerRRefs,
		m.ForkConfirms,
	)
}

func (m *Metrics) observeCall(kind string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.CallsTotal.WithLabelValues(kind, result).Inc()
	m.CallLatency.WithLabelValues(kind).Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Metrics) addPendingUsers(delta float64) {
	if m != nil {
		m.PendingUsers.Add(delta)
	}
}

func (m *Metrics) addOwners(delta float64) {
	if m != nil {
		m.OwnerRRefs.Add(delta)
	}
}

func (m *Metrics) forkResolved(result string) {
	if m != nil {
		m.ForkConfirms.WithLabelValues(result).Inc()
	}
}
