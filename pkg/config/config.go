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

// Package config loads and validates the kernel's configuration: YAML (or
// JSON) from a pluggable provider (local file with hot reload, or a remote
// KV store for clustered deployments), with ${VAR} environment expansion,
// .env loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the kernel's full configuration surface. Logging is configured
// by CLI flags and environment only (see cmd), not here, so a broken
// config file can never mute the logs that would explain it.
type Config struct {
	// LLM configures the primary text model.
	LLM LLMConfig `yaml:"llm,omitempty"`

	// VLM optionally configures a separate vision model for GUI mode.
	// Nil reuses the primary LLM.
	VLM *LLMConfig `yaml:"vlm,omitempty"`

	// Embedder configures the embedding model behind semantic search.
	Embedder EmbedderConfig `yaml:"embedder,omitempty"`

	// Vector configures the vector store backend.
	Vector VectorConfig `yaml:"vector,omitempty"`

	// DataDir is where the kernel persists its logs, action specs, and
	// task documents.
	DataDir string `yaml:"data_dir,omitempty"`

	// Workspace is where per-task scratch directories are provisioned.
	Workspace string `yaml:"workspace,omitempty"`

	// Budgets are the per-task ceilings the agent loop enforces.
	Budgets BudgetConfig `yaml:"budgets,omitempty"`

	// Cache tunes the LLM gateway's caching behavior.
	Cache CacheConfig `yaml:"cache,omitempty"`

	// EventStream tunes per-session event stream bounds.
	EventStream EventStreamConfig `yaml:"event_stream,omitempty"`

	// Prompts points at an optional prompt template override directory.
	Prompts PromptConfig `yaml:"prompts,omitempty"`

	// Server configures the HTTP trigger-ingestion surface.
	Server ServerConfig `yaml:"server,omitempty"`

	// Databases holds named SQL connections for SQL-backed stores.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty"`
}

// BudgetConfig holds the per-task ceilings. Floors (5 actions, 100k
// tokens) are enforced at validation: smaller values are raised, since a
// budget that forbids any useful work is a misconfiguration.
type BudgetConfig struct {
	MaxActionsPerTask int `yaml:"max_actions_per_task,omitempty"`
	MaxTokensPerTask  int `yaml:"max_tokens_per_task,omitempty"`
}

// CacheConfig tunes gateway caching.
type CacheConfig struct {
	// PrefixTTL is the lifetime hint for provider prefix caches.
	PrefixTTL time.Duration `yaml:"prefix_ttl,omitempty"`

	// SessionTTL is how long a session cache entry stays valid.
	SessionTTL time.Duration `yaml:"session_ttl,omitempty"`

	// MinTokens is the prompt size below which caching is skipped.
	MinTokens int `yaml:"min_tokens,omitempty"`
}

// EventStreamConfig tunes event stream bounds.
type EventStreamConfig struct {
	SummarizeAt          int `yaml:"summarize_at,omitempty"`
	TailKeep             int `yaml:"tail_keep,omitempty"`
	ExternalizeThreshold int `yaml:"externalize_threshold,omitempty"`
}

// PromptConfig points at prompt template overrides.
type PromptConfig struct {
	OverrideDir string `yaml:"override_dir,omitempty"`
}

// EmbedderConfig configures the embedding model.
type EmbedderConfig struct {
	// Provider is "openai" or "ollama".
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// VectorConfig configures the vector store backend.
type VectorConfig struct {
	// Provider is chromem (embedded, the default), qdrant, or pinecone.
	Provider string `yaml:"provider,omitempty"`

	// Path is the persistence directory for the embedded backend.
	Path string `yaml:"path,omitempty"`

	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	Auth      AuthConfig      `yaml:"auth,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limiting,omitempty"`
}

// Default returns a fully defaulted zero-config Config.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies defaults and the documented environment overrides.
func (c *Config) SetDefaults() {
	c.LLM.SetDefaults()
	if c.VLM != nil {
		c.VLM.SetDefaults()
	}
	c.Server.Auth.SetDefaults()
	c.Server.RateLimit.SetDefaults()

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = LLMProvider(v)
	}

	if c.DataDir == "" {
		c.DataDir = envOr("DATA_DIR", ".kernel")
	}
	if c.Workspace == "" {
		c.Workspace = c.DataDir
	}

	if c.Vector.Provider == "" {
		c.Vector.Provider = "chromem"
	}
	if c.Vector.Path == "" {
		c.Vector.Path = envOr("CHROMA_PATH", c.DataDir+"/vector")
	}
	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "openai"
	}

	if c.Budgets.MaxActionsPerTask == 0 {
		c.Budgets.MaxActionsPerTask = envInt("MAX_ACTIONS_PER_TASK", 25)
	}
	if c.Budgets.MaxTokensPerTask == 0 {
		c.Budgets.MaxTokensPerTask = envInt("MAX_TOKEN_PER_TASK", 500_000)
	}

	if c.Cache.PrefixTTL == 0 {
		c.Cache.PrefixTTL = envDuration("CACHE_PREFIX_TTL", 5*time.Minute)
	}
	if c.Cache.SessionTTL == 0 {
		c.Cache.SessionTTL = envDuration("CACHE_SESSION_TTL", time.Hour)
	}
	if c.Cache.MinTokens == 0 {
		c.Cache.MinTokens = envInt("CACHE_MIN_TOKENS", 128)
	}

	if c.EventStream.SummarizeAt == 0 {
		c.EventStream.SummarizeAt = 30
	}
	if c.EventStream.TailKeep == 0 {
		c.EventStream.TailKeep = 15
	}
	if c.EventStream.ExternalizeThreshold == 0 {
		c.EventStream.ExternalizeThreshold = 8000
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

// Validate checks the configuration, raising budget values below the
// documented floors rather than rejecting them.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if c.VLM != nil {
		if err := c.VLM.Validate(); err != nil {
			return fmt.Errorf("vlm: %w", err)
		}
	}
	if err := c.Server.Auth.Validate(); err != nil {
		return fmt.Errorf("server.auth: %w", err)
	}
	if err := c.Server.RateLimit.Validate(); err != nil {
		return fmt.Errorf("server.rate_limiting: %w", err)
	}
	for name, db := range c.Databases {
		if db == nil {
			return fmt.Errorf("databases.%s: empty configuration", name)
		}
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}

	if c.Budgets.MaxActionsPerTask < 5 {
		c.Budgets.MaxActionsPerTask = 5
	}
	if c.Budgets.MaxTokensPerTask < 100_000 {
		c.Budgets.MaxTokensPerTask = 100_000
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// GetDatabase returns the named database configuration.
func (c *Config) GetDatabase(name string) (*DatabaseConfig, bool) {
	db, ok := c.Databases[name]
	return db, ok
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts either a Go duration string ("90s", "1h") or a bare
// integer of seconds.
func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// BoolPtr returns a pointer to b, for optional boolean config fields.
func BoolPtr(b bool) *bool {
	return &b
}
