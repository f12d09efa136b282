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

package main

import (
	"context"
	"fmt"
)

// ValidateCmd loads and validates the configuration, printing a summary.
type ValidateCmd struct{}

// Run implements the command.
func (ValidateCmd) Run(cli *CLI) error {
	cfg, loader, err := loadConfig(context.Background(), cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer func() { _ = loader.Close() }()
	}

	fmt.Println("configuration OK")
	fmt.Printf("  llm: %s %s\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Printf("  data dir: %s\n", cfg.DataDir)
	fmt.Printf("  budgets: %d actions, %d tokens per task\n",
		cfg.Budgets.MaxActionsPerTask, cfg.Budgets.MaxTokensPerTask)
	fmt.Printf("  server: %s:%d (auth %v)\n", cfg.Server.Host, cfg.Server.Port, cfg.Server.Auth.IsEnabled())
	return nil
}
