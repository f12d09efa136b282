// Package kernel is an autonomous agent execution kernel: a priority- and
// time-ordered trigger scheduler, a budget-enforcing react loop, a bounded
// event stream with LLM-driven summarization, a hierarchical task/todo
// state machine, and a provider-agnostic LLM gateway with prompt/response
// caching and per-task session chaining.
//
// The kernel treats concrete action implementations, screen analysis, and
// the terminal UI as external collaborators behind documented contracts;
// the packages under pkg/ compose into a single binary, cmd/agentkerneld.
package kernel
