/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultAcquired = "acquired"
	ResultBusy     = "busy"
	ResultRenewed  = "renewed"
	ResultReleased = "released"
	ResultLost     = "lost"
	ResultNoop     = "noop"
	ResultError    = "error"
)

// Metrics of one lease manager. All methods may be called on a nil *Metrics.
type Metrics struct {
	AcquireTotal    *prometheus.CounterVec // result=acquired|busy|error
	RenewTotal      *prometheus.CounterVec // result=renewed|lost|error
	ReleaseTotal    *prometheus.CounterVec // result=released|noop|error
	FeedEventsTotal *prometheus.CounterVec // op=insert|modify|remove
	HeldLeases      prometheus.Gauge
	Subscriptions   prometheus.Gauge
}

// New creates the collectors and registers them at reg, unless reg is nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlease_acquire_total",
				Help: "Total acquire attempts by result",
			},
			[]string{"result"},
		),
		RenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlease_renew_total",
				Help: "Total renewals by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlease_release_total",
				Help: "Total release attempts by result",
			},
			[]string{"result"},
		),
		FeedEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlease_feed_events_total",
				Help: "Total change feed events received by operation",
			},
			[]string{"op"},
		),
		HeldLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlease_held_leases",
			Help: "Number of leases currently held by this manager",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlease_subscriptions",
			Help: "Number of active change subscriptions",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.AcquireTotal,
			m.RenewTotal,
			m.ReleaseTotal,
			m.FeedEventsTotal,
			m.HeldLeases,
			m.Subscriptions,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) Acquire(result string) {
	if m != nil {
		m.AcquireTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Renew(result string) {
	if m != nil {
		m.RenewTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Release(result string) {
	if m != nil {
		m.ReleaseTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) FeedEvent(op string) {
	if m != nil {
		m.FeedEventsTotal.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SetHeld(n int) {
	if m != nil {
		m.HeldLeases.Set(float64(n))
	}
}

func (m *Metrics) AddSubscriptions(delta int) {
	if m != nil {
		m.Subscriptions.Add(float64(delta))
	}
}
