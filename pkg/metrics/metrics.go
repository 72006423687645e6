// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instruments for VM boots. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tansiv"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Recorder struct {
	boots   *prometheus.CounterVec
	steps   *prometheus.HistogramVec
	running *prometheus.GaugeVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		boots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boots_total",
			Help:      "Number of VM boots by backend and result.",
		}, []string{"backend", "result"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "boot_step_duration_seconds",
			Help:      "Duration of each boot step.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"backend", "step"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vms_running",
			Help:      "Number of VM processes currently running.",
		}, []string{"backend"}),
	}

	reg.MustRegister(r.boots, r.steps, r.running)

	return r
}

// ObserveStep records how long step took.
func (r *Recorder) ObserveStep(backend, step string, d time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(backend, step).Observe(d.Seconds())
}

// BootFinished counts a boot as successful when err is nil.
func (r *Recorder) BootFinished(backend string, err error) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	r.boots.WithLabelValues(backend, result).Inc()
}

func (r *Recorder) VMStarted(backend string) {
	if r == nil {
		return
	}
	r.running.WithLabelValues(backend).Inc()
}

func (r *Recorder) VMExited(backend string) {
	if r == nil {
		return
	}
	r.running.WithLabelValues(backend).Dec()
}
