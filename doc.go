// Package maestro is a multi-agent task orchestration engine.
//
// Maestro takes a natural-language goal, has a lead model break it into a
// dependency-ordered plan, and dispatches each step to a role-scoped worker
// that streams its generation and runs tools inside the task's workspace.
// Every message, event and artifact is durably appended under one directory
// per task, so a task survives a process restart and a client can replay or
// resume its event stream at any sequence number.
//
// # Quick start
//
// Install the CLI:
//
//	go install github.com/gomaestro/maestro/cmd/maestro@latest
//
// Run a single goal to completion:
//
//	export ANTHROPIC_API_KEY=...
//	maestro run --goal "summarize the tradeoffs of WAL vs page shadowing"
//
// Or start the HTTP server and drive tasks over the API:
//
//	maestro serve --config team.yaml
//	curl -X POST localhost:8700/tasks -d '{"goal": "..."}'
//	curl localhost:8700/tasks/<id>/events
//
// A team configuration declares the available roles:
//
//	team:
//	  lead: planner
//	  agents:
//	    planner:
//	      model: default
//	      prompt: "You coordinate the work and write the final answer."
//	    researcher:
//	      model: default
//	      tools: [read_file, write_file, run_shell]
//
//	llms:
//	  default:
//	    provider: anthropic
//	    model: claude-sonnet-4-20250514
//	    api_key: "${ANTHROPIC_API_KEY}"
//
// With no configuration at all, maestro detects a provider from the API-key
// environment variables and runs a single generalist agent.
//
// The packages under pkg/ are usable as a library; pkg/orchestrator.Manager
// is the main entry point.
package maestro
