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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basalt-run/kernel/pkg/action"
	"github.com/basalt-run/kernel/pkg/agentloop"
	"github.com/basalt-run/kernel/pkg/auth"
	"github.com/basalt-run/kernel/pkg/cache"
	"github.com/basalt-run/kernel/pkg/cli"
	"github.com/basalt-run/kernel/pkg/config"
	"github.com/basalt-run/kernel/pkg/contextengine"
	"github.com/basalt-run/kernel/pkg/embedder"
	"github.com/basalt-run/kernel/pkg/eventstream"
	"github.com/basalt-run/kernel/pkg/gateway"
	"github.com/basalt-run/kernel/pkg/library"
	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/model/anthropic"
	"github.com/basalt-run/kernel/pkg/model/gemini"
	"github.com/basalt-run/kernel/pkg/model/ollama"
	"github.com/basalt-run/kernel/pkg/model/openai"
	"github.com/basalt-run/kernel/pkg/observability"
	"github.com/basalt-run/kernel/pkg/prompt"
	"github.com/basalt-run/kernel/pkg/ratelimit"
	"github.com/basalt-run/kernel/pkg/router"
	"github.com/basalt-run/kernel/pkg/server"
	"github.com/basalt-run/kernel/pkg/store"
	"github.com/basalt-run/kernel/pkg/task"
	"github.com/basalt-run/kernel/pkg/taskplan"
	"github.com/basalt-run/kernel/pkg/trigger"
	"github.com/basalt-run/kernel/pkg/vector"
	"github.com/basalt-run/kernel/pkg/vlm"
)

// ServeCmd runs the kernel: the react loop, the summarizers, and the HTTP
// surface, until interrupted.
type ServeCmd struct {
	GUI bool `help:"Enable GUI mode triggers (requires a screen-capture collaborator)."`
}

// Run implements the command.
func (cmd *ServeCmd) Run(root *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := loadConfig(ctx, root)
	if err != nil {
		return err
	}
	if loader != nil {
		defer func() { _ = loader.Close() }()
	}

	obsCfg := &observability.Config{}
	obsCfg.SetDefaults()
	obsCfg.Metrics.Enabled = true
	obs, err := observability.NewManager(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	metrics := obs.Metrics()

	// One append-only log carries every record stream; readers
	// discriminate on entry shape and upsert by id.
	log, err := store.Open(filepath.Join(cfg.DataDir, "agent_logs.txt"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	props := agentloop.NewProperties(cfg.Budgets.MaxActionsPerTask, cfg.Budgets.MaxTokensPerTask)
	cacheMgr := cache.New(cfg.Cache.MinTokens, cfg.Cache.SessionTTL, cfg.Cache.PrefixTTL)

	llm, err := buildLLM(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	defer func() { _ = llm.Close() }()

	gw, err := gateway.New(gateway.Config{
		LLM:       llm,
		Cache:     cacheMgr,
		PromptLog: log,
		Metrics:   metrics,
		Tokens:    props,
	})
	if err != nil {
		return err
	}

	prompts := prompt.NewRegistry(cfg.Prompts.OverrideDir)

	emb, err := buildEmbedder(&cfg.Embedder)
	if err != nil {
		slog.Warn("embedder unavailable, semantic search disabled", "error", err)
		emb = nil
	}
	vec, err := buildVector(&cfg.Vector)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer func() { _ = vec.Close() }()

	registry := action.NewRegistry()
	registry.Register(action.EchoAction{})
	registry.Register(action.ReadFileAction{})
	registry.Register(action.ShellAction{})

	lib, err := library.New(cfg.DataDir, emb, vec, registry)
	if err != nil {
		return err
	}
	if err := lib.LoadAndIndex(ctx); err != nil {
		return err
	}

	executor := action.NewExecutor(registry, log, metrics)
	defer executor.Shutdown()

	queue := trigger.New(gateway.NewSessionResolver(gw))

	summarizer, err := eventstream.NewLLMSummarizer(llm, "")
	if err != nil {
		return err
	}
	streams := agentloop.NewStreamSet(eventstream.Config{
		SummarizeAt:          cfg.EventStream.SummarizeAt,
		TailKeep:             cfg.EventStream.TailKeep,
		ExternalizeThreshold: cfg.EventStream.ExternalizeThreshold,
		Summarizer:           summarizer,
	}, filepath.Join(cfg.Workspace, "tmp"))
	defer func() { _ = streams.Wait() }()

	planner, err := taskplan.New(gw, prompts, lib)
	if err != nil {
		return err
	}

	tasks, err := task.NewManager(task.ManagerConfig{
		Planner:   planner,
		Workspace: cfg.Workspace,
		Queue:     queue,
		TaskLog:   log,
		Events:    streams,
		OnTerminal: func(taskID string) {
			props.ResetBudgets()
			gw.EndAllSessionCaches(taskID)
		},
	})
	if err != nil {
		return err
	}

	rtr, err := router.New(gw, registry, prompts, lib)
	if err != nil {
		return err
	}

	describer, err := buildDescriber(cfg, gw, cacheMgr, log, metrics, props, prompts)
	if err != nil {
		return err
	}
	if cmd.GUI {
		// Screen capture is an external collaborator; without one linked
		// in, GUI triggers degrade to blind reasoning.
		slog.Warn("GUI mode requested but no screen-capture collaborator is linked")
	}

	loop := &agentloop.Loop{
		Queue:          queue,
		Gateway:        gw,
		Router:         rtr,
		Executor:       executor,
		Tasks:          tasks,
		Engine:         contextengine.New(contextengine.DefaultSystemFlags(), contextengine.UserFlags{Query: true, ExpectedOutput: true}),
		Props:          props,
		Streams:        streams,
		Prompts:        prompts,
		Metrics:        metrics,
		Describer:      describer,
		SandboxTimeout: 2 * time.Minute,
		BaseInstruction: "Work through the current step of the task. Prefer small, verifiable actions." +
			" When the step's validation instruction is satisfied, move on.",
	}

	validator, err := auth.NewValidatorFromConfig(&cfg.Server.Auth)
	if err != nil {
		return err
	}

	commands := cli.NewRegistry(cli.Hooks{
		Exit: func(context.Context, string) (string, error) {
			stop()
			return "shutting down", nil
		},
		Clear: func(ctx context.Context, args string) (string, error) {
			sessionID := args
			if sessionID == "" {
				sessionID = agentloop.SessionChat
			}
			streams.Get(sessionID).Clear()
			return "event stream cleared", nil
		},
		Reset: func(ctx context.Context, _ string) (string, error) {
			if err := tasks.MarkCancelled(ctx, "reset via command"); err != nil && !errors.Is(err, task.ErrNoActiveTask) {
				return "", err
			}
			queue.Clear()
			props.ResetBudgets()
			return "task cancelled and budgets reset", nil
		},
	})

	var extra []func(http.Handler) http.Handler
	limiter, err := ratelimit.NewRateLimiterFromConfig(cfg, config.NewDBPool())
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if limiter != nil {
		extra = append(extra, ratelimit.SimpleMiddleware(limiter, "/healthz", "/metrics"))
	}

	srv, err := server.New(server.Config{
		Server:          cfg.Server,
		Queue:           queue,
		Tasks:           tasks,
		Streams:         streams,
		Commands:        commands,
		Validator:       validator,
		Metrics:         metrics,
		Tracer:          obs.Tracer(),
		ExtraMiddleware: extra,
	})
	if err != nil {
		return err
	}

	slog.Info("kernel starting",
		"llm", fmt.Sprintf("%s/%s", llm.Provider(), llm.Name()),
		"data_dir", cfg.DataDir,
		"max_actions", cfg.Budgets.MaxActionsPerTask,
		"max_tokens", cfg.Budgets.MaxTokensPerTask,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return loop.Run(groupCtx) })
	group.Go(func() error { return srv.ListenAndServe(groupCtx) })
	if loader != nil {
		// Hot reload: budget ceilings are the one knob safe to swap while
		// a task is running; everything else needs a restart.
		group.Go(func() error {
			err := loader.Watch(groupCtx, func(updated *config.Config) {
				props.SetLimits(updated.Budgets.MaxActionsPerTask, updated.Budgets.MaxTokensPerTask)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		queue.Close()
		return nil
	})

	return group.Wait()
}

func buildLLM(cfg *config.LLMConfig) (model.LLM, error) {
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		return openai.New(openai.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			BaseURL:     cfg.BaseURL,
		})
	case config.LLMProviderAnthropic:
		c := anthropic.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			BaseURL:     cfg.BaseURL,
		}
		if cfg.Thinking != nil && cfg.Thinking.Enabled != nil && *cfg.Thinking.Enabled {
			c.EnableThinking = true
			c.ThinkingBudget = cfg.Thinking.BudgetTokens
		}
		return anthropic.New(c)
	case config.LLMProviderGemini:
		c := gemini.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
		if cfg.Temperature != nil {
			c.Temperature = *cfg.Temperature
		}
		return gemini.New(c)
	case config.LLMProviderOllama:
		return ollama.New(ollama.Config{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

func buildEmbedder(cfg *config.EmbedderConfig) (embedder.Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{Model: cfg.Model, BaseURL: cfg.BaseURL}), nil
	case "openai", "":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{APIKey: apiKey, Model: cfg.Model, BaseURL: cfg.BaseURL})
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}

func buildVector(cfg *config.VectorConfig) (vector.Provider, error) {
	pc := &vector.ProviderConfig{Type: vector.ProviderType(cfg.Provider)}
	switch pc.Type {
	case vector.ProviderChromem, "":
		pc.Type = vector.ProviderChromem
		pc.Chromem = &vector.ChromemConfig{PersistPath: cfg.Path}
	case vector.ProviderQdrant:
		pc.Qdrant = &vector.QdrantConfig{Host: cfg.Host, Port: cfg.Port, APIKey: cfg.APIKey, UseTLS: cfg.UseTLS}
	case vector.ProviderPinecone:
		pc.Pinecone = &vector.PineconeConfig{APIKey: cfg.APIKey}
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.Provider)
	}
	return vector.NewProvider(pc)
}

// buildDescriber wires the vision path. A dedicated VLM config gets its
// own client and gateway (sharing the cache, log, metrics, and token
// accounting); otherwise the primary gateway serves vision calls too.
func buildDescriber(cfg *config.Config, gw *gateway.Gateway, cacheMgr *cache.Manager, log *store.Writer, metrics *observability.Metrics, props *agentloop.Properties, prompts *prompt.Registry) (*vlm.Describer, error) {
	if cfg.VLM == nil {
		return vlm.New(gw, prompts)
	}

	visionLLM, err := buildLLM(cfg.VLM)
	if err != nil {
		return nil, fmt.Errorf("vlm: %w", err)
	}
	visionGW, err := gateway.New(gateway.Config{
		LLM:       visionLLM,
		Cache:     cacheMgr,
		PromptLog: log,
		Metrics:   metrics,
		Tokens:    props,
	})
	if err != nil {
		return nil, err
	}
	return vlm.New(visionGW, prompts)
}
