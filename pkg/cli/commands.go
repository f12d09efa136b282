// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the slash-command registry the kernel exposes to
// whatever terminal UI sits in front of it. The UI itself is an external
// collaborator; this package only defines the contract: named commands,
// dispatch, and the built-in set (/exit, /clear, /reset, /menu, /help).
// The agent can extend the registry at runtime.
package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command is one slash command.
type Command struct {
	// Name is the command without its leading slash, e.g. "help".
	Name string

	// Description is shown by /help and /menu.
	Description string

	// Run executes the command with everything after the command name as
	// args. The returned string is displayed to the user.
	Run func(ctx context.Context, args string) (string, error)
}

// Registry dispatches slash commands.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates a Registry pre-populated with the built-ins wired to
// the given kernel hooks. Any nil hook leaves its command registered but
// reporting "not available".
func NewRegistry(hooks Hooks) *Registry {
	r := &Registry{commands: make(map[string]Command)}

	r.Register(Command{Name: "help", Description: "List available commands.", Run: func(context.Context, string) (string, error) {
		return r.renderList(), nil
	}})
	r.Register(Command{Name: "menu", Description: "Show the command menu.", Run: func(context.Context, string) (string, error) {
		return r.renderList(), nil
	}})
	r.Register(Command{Name: "exit", Description: "Shut the agent down.", Run: hookOr(hooks.Exit, "exit")})
	r.Register(Command{Name: "clear", Description: "Clear the current session's event stream.", Run: hookOr(hooks.Clear, "clear")})
	r.Register(Command{Name: "reset", Description: "Cancel the active task and reset budgets.", Run: hookOr(hooks.Reset, "reset")})

	return r
}

// Hooks are the kernel operations the built-in commands call into.
type Hooks struct {
	Exit  func(ctx context.Context, args string) (string, error)
	Clear func(ctx context.Context, args string) (string, error)
	Reset func(ctx context.Context, args string) (string, error)
}

func hookOr(fn func(ctx context.Context, args string) (string, error), name string) func(context.Context, string) (string, error) {
	if fn != nil {
		return fn
	}
	return func(context.Context, string) (string, error) {
		return "", fmt.Errorf("cli: /%s is not available in this build", name)
	}
}

// Register adds or replaces a command.
func (r *Registry) Register(c Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[c.Name] = c
}

// Dispatch parses input of the form "/name args..." and runs the command.
// Input without a leading slash returns ok=false, meaning it is a plain
// message for the agent, not a command.
func (r *Registry) Dispatch(ctx context.Context, input string) (output string, ok bool, err error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", false, nil
	}

	name, args, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	r.mu.RLock()
	cmd, found := r.commands[name]
	r.mu.RUnlock()
	if !found {
		return "", true, fmt.Errorf("cli: unknown command /%s (try /help)", name)
	}

	out, err := cmd.Run(ctx, strings.TrimSpace(args))
	return out, true, err
}

// List returns the registered commands sorted by name.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) renderList() string {
	var b strings.Builder
	for _, c := range r.List() {
		fmt.Fprintf(&b, "/%s - %s\n", c.Name, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
