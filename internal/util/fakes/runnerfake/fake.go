/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runnerfake

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/kaganisildak/tansiv/pkg/execcontext"
	"github.com/stretchr/testify/assert"
)

// Expectation answers one call to Run.
type Expectation = func(dir string, cmd []string) (stdout, stderr string, err error)

// Call records one invocation of Run.
type Call struct {
	Dir string
	Cmd []string
}

// Line returns the command joined by spaces.
func (c Call) Line() string {
	return strings.Join(c.Cmd, " ")
}

var _ execcontext.Runner = &Fake{}

// Fake is an execcontext.Runner replaying expectations in order. Once the
// expectations are exhausted every call succeeds with empty output.
type Fake struct {
	t *testing.T

	mu           sync.Mutex
	expectations []Expectation
	calls        []Call
}

func New(t *testing.T) *Fake {
	return &Fake{t: t}
}

// Run implements execcontext.Runner.
func (f *Fake) Run(_ context.Context, dir string, cmd ...string) (string, string, error) {
	f.t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	counter := len(f.calls)
	f.calls = append(f.calls, Call{Dir: dir, Cmd: append([]string(nil), cmd...)})

	if counter >= len(f.expectations) {
		return "", "", nil
	}
	return f.expectations[counter](dir, cmd)
}

func (f *Fake) AppendExpectation(expectation Expectation) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.expectations = append(f.expectations, expectation)

	return f
}

// Calls returns the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Call(nil), f.calls...)
}

// Lines returns the recorded invocations joined by spaces.
func (f *Fake) Lines() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Line())
	}
	return out
}

// AssertNotCalled fails the test if Run was invoked.
func (f *Fake) AssertNotCalled() {
	f.t.Helper()
	assert.Empty(f.t, f.Lines(), "expected no command to run")
}

// AssertExpectationsMet fails the test if an expectation was never consumed.
func (f *Fake) AssertExpectationsMet() {
	f.t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	assert.GreaterOrEqual(f.t, len(f.calls), len(f.expectations), "unconsumed expectations")
}
