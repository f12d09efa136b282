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

// agentkerneld runs the agent execution kernel: the trigger scheduler, the
// react loop, and the HTTP surface that feeds them.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	kernel "github.com/basalt-run/kernel"
	"github.com/basalt-run/kernel/pkg/config"
)

// CLI is the kong command tree.
type CLI struct {
	Config          string   `help:"Path to the configuration file (or key for remote providers)." short:"c" default:"kernel.yaml"`
	ConfigProvider  string   `help:"Configuration source: file, consul, etcd, or zookeeper." default:"file"`
	ConfigEndpoints []string `help:"Endpoints for remote configuration providers."`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (default stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Run the kernel."`
	Validate ValidateCmd `cmd:"" help:"Load and validate the configuration, then exit."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON schema."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agentkerneld"),
		kong.Description("Agent execution kernel: scheduler, react loop, and LLM gateway."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// VersionCmd prints the build version.
type VersionCmd struct{}

// Run implements the command.
func (VersionCmd) Run(*CLI) error {
	fmt.Println(kernel.GetVersion().String())
	return nil
}
