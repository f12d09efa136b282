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

package action

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

// TypeAtomic and TypeDivisible are the two action types.
const (
	TypeAtomic    = "atomic"
	TypeDivisible = "divisible"
)

// SchemaField describes one input or output field of an action.
type SchemaField struct {
	Type        string `json:"type"`
	Example     any    `json:"example,omitempty"`
	Description string `json:"description,omitempty"`
}

// ObserverSpec configures the post-execution check of an action.
type ObserverSpec struct {
	// Body is the observer program, run the same way an action body is.
	// It receives the action's output on stdin and must print a JSON
	// object with "success" (bool) and "message" (string).
	Body string `json:"body"`

	MaxRetries       int     `json:"max_retries"`
	RetryIntervalSec float64 `json:"retry_interval_sec"`
	MaxTotalTimeSec  float64 `json:"max_total_time_sec"`
}

// PlatformOverride replaces the body or schemas of an action on one OS.
type PlatformOverride struct {
	Body         string                 `json:"body,omitempty"`
	InputSchema  map[string]SchemaField `json:"input_schema,omitempty"`
	OutputSchema map[string]SchemaField `json:"output_schema,omitempty"`
}

// Spec is the serialized form of an action, stored one JSON file per
// action under <data_dir>/action/. Round-tripping a Spec through JSON
// yields an equivalent Spec modulo default-filled optional fields.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Type is atomic or divisible; blank defaults to atomic.
	Type string `json:"type,omitempty"`

	// Body is the opaque executable for atomic actions: a command line
	// run out-of-process inside the task's sandbox with the input JSON
	// on stdin.
	Body string `json:"body,omitempty"`

	// SubActions names the sequence a divisible action runs.
	SubActions []string `json:"sub_actions,omitempty"`

	InputSchema  map[string]SchemaField `json:"input_schema,omitempty"`
	OutputSchema map[string]SchemaField `json:"output_schema,omitempty"`

	Observer *ObserverSpec `json:"observer,omitempty"`

	// Mode is the visibility gate: "", "CLI", "GUI", or "ALL".
	Mode string `json:"mode,omitempty"`

	// Platforms allowlists the OSes this action runs on (GOOS names).
	// Empty means all platforms.
	Platforms []string `json:"platforms,omitempty"`

	// PlatformOverrides swaps the body or schemas on a given OS.
	PlatformOverrides map[string]PlatformOverride `json:"platform_overrides,omitempty"`

	// ExecutionMode is "sandboxed" (the default and only supported mode).
	ExecutionMode string `json:"execution_mode,omitempty"`
}

// Normalize fills defaults in place and validates structural invariants.
func (s *Spec) Normalize() error {
	if s.Name == "" {
		return fmt.Errorf("action: spec requires a name")
	}
	if s.Type == "" {
		s.Type = TypeAtomic
	}
	if s.ExecutionMode == "" {
		s.ExecutionMode = "sandboxed"
	}
	if s.ExecutionMode != "sandboxed" {
		return fmt.Errorf("action: unsupported execution_mode %q for %s", s.ExecutionMode, s.Name)
	}
	switch s.Type {
	case TypeAtomic:
		if s.Body == "" {
			return fmt.Errorf("action: atomic action %s requires a body", s.Name)
		}
	case TypeDivisible:
		if len(s.SubActions) == 0 {
			return fmt.Errorf("action: divisible action %s requires sub_actions", s.Name)
		}
	default:
		return fmt.Errorf("action: unknown type %q for %s", s.Type, s.Name)
	}
	return nil
}

// LoadSpec reads and normalizes one spec file.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("action: read spec: %w", err)
	}
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("action: parse spec %s: %w", path, err)
	}
	if err := s.Normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSpec writes a spec file.
func SaveSpec(path string, s *Spec) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// CommandAction is an Action loaded from a Spec: its body is an opaque
// command line executed in the sandbox.
type CommandAction struct {
	spec Spec
}

// NewFromSpec builds a CommandAction.
func NewFromSpec(s *Spec) (*CommandAction, error) {
	if err := s.Normalize(); err != nil {
		return nil, err
	}
	return &CommandAction{spec: *s}, nil
}

// SpecOf returns a copy of the action's spec.
func (c *CommandAction) SpecOf() Spec { return c.spec }

func (c *CommandAction) Name() string        { return c.spec.Name }
func (c *CommandAction) Description() string { return c.spec.Description }
func (c *CommandAction) Divisible() bool     { return c.spec.Type == TypeDivisible }

// SubActions returns the divisible sequence, or nil for atomic actions.
func (c *CommandAction) SubActions() []string { return c.spec.SubActions }

// ObserverSpec returns the observer configuration, or nil.
func (c *CommandAction) ObserverSpec() *ObserverSpec {
	if c.spec.Observer == nil {
		return nil
	}
	override := *c.spec.Observer
	return &override
}

func (c *CommandAction) Visibility() Visibility {
	switch c.spec.Mode {
	case "CLI":
		return VisibilityCLI
	case "GUI":
		return VisibilityGUI
	case "ALL":
		return VisibilityAll
	default:
		return VisibilityNone
	}
}

func (c *CommandAction) Schema() map[string]any {
	if len(c.spec.InputSchema) == 0 {
		return nil
	}
	props := make(map[string]any, len(c.spec.InputSchema))
	for name, f := range c.spec.InputSchema {
		p := map[string]any{"type": f.Type}
		if f.Description != "" {
			p["description"] = f.Description
		}
		props[name] = p
	}
	return map[string]any{"type": "object", "properties": props}
}

// body returns the effective body for the current platform.
func (c *CommandAction) body() (string, error) {
	if len(c.spec.Platforms) > 0 {
		allowed := false
		for _, p := range c.spec.Platforms {
			if p == runtime.GOOS {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("action: %s is not available on %s", c.spec.Name, runtime.GOOS)
		}
	}
	if o, ok := c.spec.PlatformOverrides[runtime.GOOS]; ok && o.Body != "" {
		return o.Body, nil
	}
	return c.spec.Body, nil
}

// Run executes the body in the sandbox with args encoded as JSON on stdin,
// then salvages the last JSON value from stdout. A non-zero exit surfaces
// as a structured error output rather than a bare failure.
func (c *CommandAction) Run(ctx context.Context, sandbox *Sandbox, args map[string]any) (map[string]any, error) {
	body, err := c.body()
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("action: encode input: %w", err)
	}

	result, err := sandbox.ExecShell(ctx, body, string(input))
	if err != nil && result == nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return errorOutput(fmt.Sprintf("%s exited with code %d", c.spec.Name, result.ExitCode),
			result.Stdout, result.Stderr, result.ExitCode), fmt.Errorf("action: %s exited with code %d", c.spec.Name, result.ExitCode)
	}

	return ParseStdout(result.Stdout)
}

var _ Action = (*CommandAction)(nil)
