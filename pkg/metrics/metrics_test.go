//go:build unit

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

package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	r := New(reg)

	r.BootFinished("kvm", nil)
	r.BootFinished("kvm", nil)
	r.BootFinished("xen", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.boots.WithLabelValues("kvm", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.boots.WithLabelValues("xen", ResultFailure)))

	r.VMStarted("tap")
	r.VMStarted("tap")
	r.VMExited("tap")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.running.WithLabelValues("tap")))

	r.ObserveStep("kvm", "cloudinit", 20*time.Millisecond)
	r.ObserveStep("kvm", "disk", time.Second)
	assert.Equal(t, 2, testutil.CollectAndCount(r.steps))

	expected := `
# HELP tansiv_boots_total Number of VM boots by backend and result.
# TYPE tansiv_boots_total counter
tansiv_boots_total{backend="kvm",result="success"} 2
tansiv_boots_total{backend="xen",result="failure"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tansiv_boots_total"))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.BootFinished("kvm", nil)
		r.ObserveStep("kvm", "launch", time.Second)
		r.VMStarted("kvm")
		r.VMExited("kvm")
	})
}
