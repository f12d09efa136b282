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
	"os"

	"github.com/basalt-run/kernel/pkg/config"
	"github.com/basalt-run/kernel/pkg/config/provider"
)

// loadConfig builds a provider from the CLI flags and loads the config.
// A missing local file is not an error: the kernel runs zero-config with
// environment-driven defaults.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, *config.Loader, error) {
	providerType, err := provider.ParseType(cli.ConfigProvider)
	if err != nil {
		return nil, nil, err
	}

	if providerType == provider.TypeFile {
		if _, statErr := os.Stat(cli.Config); os.IsNotExist(statErr) {
			cfg := config.Default()
			if err := cfg.Validate(); err != nil {
				return nil, nil, err
			}
			return cfg, nil, nil
		}
	}

	p, err := provider.New(provider.ProviderConfig{
		Type:      providerType,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("config provider: %w", err)
	}

	loader := config.NewLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		_ = loader.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}
