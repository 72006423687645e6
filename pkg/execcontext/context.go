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

// Package execcontext carries the environment and privilege prefix (e.g.
// "sudo") applied to every host command run while booting a VM.
package execcontext

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
)

// Context is applied to every command before it runs.
type Context interface {
	// Envs is added to the environment inherited from the parent process.
	Envs() map[string]string
	// PrependCmd is prefixed to the argv, e.g. "sudo -n".
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &execContext{
		envs:       maps.Clone(envs),
		prependCmd: slices.Clone(prependCmd),
	}
}

// Privileged returns a Context running commands through non-interactive sudo,
// or an empty Context when useSudo is false.
func Privileged(useSudo bool) Context {
	if !useSudo {
		return New(nil, nil)
	}
	return New(nil, []string{"sudo", "-n"})
}

type execContext struct {
	envs       map[string]string
	prependCmd []string
}

func (c *execContext) Envs() map[string]string {
	if c.envs == nil {
		return map[string]string{}
	}
	return maps.Clone(c.envs)
}

func (c *execContext) PrependCmd() []string {
	return slices.Clone(c.prependCmd)
}

// ApplyToCmd adds the environment of ctx to cmd and rewrites cmd so it runs
// behind the prepend command.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	envs := ctx.Envs()
	if len(envs) > 0 && cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		cmd.Env = append(cmd.Env, k+"="+envs[k])
	}

	prefix := ctx.PrependCmd()
	if len(prefix) == 0 {
		return
	}

	wrapped := exec.Command(prefix[0], prefix[1:]...)
	cmd.Path = wrapped.Path
	cmd.Err = wrapped.Err
	cmd.Args = append(wrapped.Args, cmd.Args...)
}

// FormatCmd renders cmd as one shell line, env assignments and prefix
// included, for logs.
func FormatCmd(ctx Context, cmd ...string) string {
	envs := ctx.Envs()
	words := make([]string, 0, len(envs)+len(cmd)+2)

	for _, k := range slices.Sorted(maps.Keys(envs)) {
		words = append(words, fmt.Sprintf("%s=%s", k, strconv.Quote(envs[k])))
	}
	for _, w := range append(ctx.PrependCmd(), cmd...) {
		words = append(words, shellWord(w))
	}

	return strings.Join(words, " ")
}

// shellOperators are rendered bare so logged pipelines stay readable.
var shellOperators = map[string]bool{
	"&&": true, "||": true, ";": true, "&": true, "|": true, "(": true, ")": true,
}

const shellSpecialChars = " \t\n\"'$`\\*?[]{}<>|&;()#~"

func shellWord(s string) string {
	if shellOperators[s] || (s != "" && !strings.ContainsAny(s, shellSpecialChars)) {
		return s
	}
	return strconv.Quote(s)
}
