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
	"fmt"
	"os"
	"strings"
)

// EchoAction returns its single argument unchanged. Used mostly for
// exercising the router and executor without touching the filesystem.
type EchoAction struct{}

func (EchoAction) Name() string           { return "echo" }
func (EchoAction) Description() string    { return "Echoes the given message back without side effects." }
func (EchoAction) Divisible() bool        { return false }
func (EchoAction) Visibility() Visibility { return VisibilityAll }

func (EchoAction) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"message"},
	}
}

func (EchoAction) Run(_ context.Context, _ *Sandbox, args map[string]any) (map[string]any, error) {
	msg, _ := args["message"].(string)
	return map[string]any{"message": msg}, nil
}

// ReadFileAction reads a text file from within the sandbox's working
// directory. It never accepts absolute paths or ".." traversal; those are
// rejected by Sandbox.Resolve before any I/O happens.
type ReadFileAction struct {
	// MaxBytes bounds how much of the file is returned; 0 means a default
	// of 64KiB (large enough for typical config/log files, small enough to
	// not blow the event stream's externalization threshold by itself).
	MaxBytes int
}

func (ReadFileAction) Name() string { return "read_file" }
func (ReadFileAction) Description() string {
	return "Reads a text file from the task's sandboxed working directory."
}
func (ReadFileAction) Divisible() bool        { return false }
func (ReadFileAction) Visibility() Visibility { return VisibilityAll }

func (ReadFileAction) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []string{"path"},
	}
}

func (a ReadFileAction) Run(_ context.Context, sandbox *Sandbox, args map[string]any) (map[string]any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("action: read_file requires a path")
	}
	resolved, err := sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}

	maxBytes := a.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("action: read_file: %w", err)
	}
	truncated := false
	if len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	return map[string]any{"content": string(data), "truncated": truncated}, nil
}

// ShellAction runs an arbitrary command line through the sandbox. The
// command is split on whitespace rather than handed to a shell, so no
// action argument can smuggle in pipes, redirects, or subshells.
type ShellAction struct{}

func (ShellAction) Name() string { return "shell" }
func (ShellAction) Description() string {
	return "Runs a command inside the sandboxed working directory."
}
func (ShellAction) Divisible() bool        { return false }
func (ShellAction) Visibility() Visibility { return VisibilityAll }

func (ShellAction) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
		},
		"required": []string{"command"},
	}
}

func (ShellAction) Run(ctx context.Context, sandbox *Sandbox, args map[string]any) (map[string]any, error) {
	command, _ := args["command"].(string)
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("action: shell requires a non-empty command")
	}

	result, err := sandbox.Exec(ctx, fields[0], fields[1:]...)
	if err != nil {
		return map[string]any{
			"stdout":    result.Stdout,
			"stderr":    result.Stderr,
			"exit_code": result.ExitCode,
		}, err
	}
	return map[string]any{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	}, nil
}
