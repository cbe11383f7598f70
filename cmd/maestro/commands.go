package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/gomaestro/maestro"
	"github.com/gomaestro/maestro/pkg/bus"
	"github.com/gomaestro/maestro/pkg/config"
	"github.com/gomaestro/maestro/pkg/event"
	"github.com/gomaestro/maestro/pkg/llms"
	"github.com/gomaestro/maestro/pkg/logger"
	"github.com/gomaestro/maestro/pkg/memory"
	"github.com/gomaestro/maestro/pkg/observability"
	"github.com/gomaestro/maestro/pkg/orchestrator"
	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/server"
	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/tool"
	"github.com/gomaestro/maestro/pkg/tool/filetool"
	"github.com/gomaestro/maestro/pkg/tool/shelltool"
)

// VersionCmd prints build information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Println(maestro.GetVersion())
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host string `help:"Listen host (overrides config)."`
	Port int    `help:"Listen port (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.close()

	if c.Host != "" {
		rt.cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		rt.cfg.Server.Port = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rt.collector.Run(ctx, rt.bus)

	srv := server.New(rt.manager, rt.store, rt.bus, server.Options{
		Addr:    rt.cfg.Server.Addr(),
		Metrics: rt.metrics,
		Logger:  rt.logger,
	})
	return srv.Start(ctx)
}

// RunCmd executes a single goal to completion, streaming events to stdout.
type RunCmd struct {
	Goal string `required:"" help:"The goal to plan and execute."`
}

func (c *RunCmd) Run(cli *CLI) error {
	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	taskID, err := rt.manager.Start(c.Goal, "cli")
	if err != nil {
		return err
	}
	rt.logger.Info("task started", "task_id", taskID)

	sub, err := rt.bus.Subscribe(ctx, taskID, 0)
	if err != nil {
		return err
	}
	defer sub.Close()

	status := tailEvents(sub)
	rt.manager.Close()

	switch taskspace.Status(status) {
	case taskspace.StatusCompleted:
		return nil
	case taskspace.StatusFailed:
		return protocol.NewError(protocol.KindRuntime, "task failed")
	default:
		// Interrupted before a terminal state; progress is on disk.
		fmt.Fprintf(os.Stderr, "task %s left in status %q\n", taskID, status)
		return nil
	}
}

// tailEvents prints the event stream until it closes and returns the last
// observed task status.
func tailEvents(sub *bus.Subscription) string {
	var status string
	for ev := range sub.Events() {
		switch ev.Kind {
		case event.KindPartDelta:
			if ev.Part != nil && ev.Part.Type == protocol.PartText {
				fmt.Print(ev.Part.Text)
			}
		case event.KindMessageComplete:
			fmt.Println()
		case event.KindToolCallStart:
			if ev.ToolCall != nil {
				fmt.Printf("[tool] %s\n", ev.ToolCall.Name)
			}
		case event.KindStepStatusChanged:
			fmt.Printf("[step %s] %s\n", ev.StepID, ev.StepStatus)
		case event.KindTaskUpdate:
			status = ev.TaskStatus
			fmt.Printf("[task] %s\n", status)
			if taskspace.Status(status).IsTerminal() {
				return status
			}
		case event.KindError:
			if ev.Error != nil {
				fmt.Fprintf(os.Stderr, "[error] %s: %s\n", ev.Error.Kind, ev.Error.Detail)
			}
		}
	}
	return status
}

// runtime bundles the assembled services shared by serve and run.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *taskspace.Store
	bus       *bus.Bus
	providers *llms.Registry
	memory    *memory.Gateway
	manager   *orchestrator.Manager
	metrics   *observability.Metrics
	collector *observability.Collector

	shutdownTracer func(context.Context) error
}

func (rt *runtime) close() {
	rt.manager.Close()
	rt.memory.Close()
	if err := rt.providers.Close(); err != nil {
		rt.logger.Warn("provider shutdown", "error", err)
	}
	if rt.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.shutdownTracer(ctx); err != nil {
			rt.logger.Warn("tracer shutdown", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store shutdown", "error", err)
	}
}

// buildRuntime assembles the full service graph from the CLI flags and the
// config file. Config problems are reported as usage errors.
func buildRuntime(cli *CLI) (*runtime, error) {
	var cfg *config.Config
	var err error
	if cli.Config != "" {
		cfg, err = config.Load(cli.Config)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return nil, configError{err}
	}
	if cli.DataDir != "" {
		cfg.Storage.BaseDir = cli.DataDir
	}

	log := logger.Init(cli.LogLevel, logger.Format(cli.LogFormat), os.Stderr)

	store, err := taskspace.New(cfg.Storage.BaseDir,
		taskspace.WithFsyncPolicy(cfg.Storage.FsyncEvery, time.Duration(cfg.Storage.FsyncIntervalMs)*time.Millisecond),
		taskspace.WithLogger(log),
	)
	if err != nil {
		return nil, protocol.NewError(protocol.KindStorage, "failed to open taskspace store: %v", err)
	}

	b := bus.New(store)
	emitter := bus.NewEmitter(store, b)

	tracerWriter := io.Writer(nil)
	if os.Getenv("MAESTRO_TRACE") == "stdout" {
		tracerWriter = os.Stdout
	}
	tracer, shutdownTracer, err := observability.InitTracer(tracerWriter)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := tool.NewRegistry()
	if err := filetool.Register(registry, store); err != nil {
		store.Close()
		return nil, err
	}
	if err := shelltool.Register(registry, store, cfg.Tools.ShellAllowedCommands); err != nil {
		store.Close()
		return nil, err
	}
	executorOpts := []tool.ExecutorOption{
		tool.WithTimeout(time.Duration(cfg.Tools.ExecTimeoutSeconds) * time.Second),
		tool.WithLogger(log),
		tool.WithTracer(tracer),
	}
	if cfg.Tools.MaxConcurrent > 0 {
		executorOpts = append(executorOpts, tool.WithConcurrency(int64(cfg.Tools.MaxConcurrent)))
	}
	executor := tool.NewExecutor(registry, executorOpts...)

	providers, err := llms.NewFromConfig(cfg.LLMs)
	if err != nil {
		store.Close()
		return nil, configError{err}
	}

	memoryOpts := []memory.Option{memory.WithLogger(log)}
	if cfg.Memory.Embedder == "openai" {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			store.Close()
			return nil, configError{fmt.Errorf("memory.embedder is openai but OPENAI_API_KEY is not set")}
		}
		memoryOpts = append(memoryOpts,
			memory.WithEmbedder(chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI3Small)))
	}
	gateway := memory.NewGateway(store, memoryOpts...)

	metrics := observability.NewMetrics()

	manager := orchestrator.NewManager(orchestrator.Deps{
		Store:     store,
		Emitter:   emitter,
		Registry:  registry,
		Executor:  executor,
		Providers: providers,
		Memory:    gateway,
		Config:    cfg,
		Logger:    log,
		Metrics:   metrics,
		Tracer:    tracer,
	})

	return &runtime{
		cfg:            cfg,
		logger:         log,
		store:          store,
		bus:            b,
		providers:      providers,
		memory:         gateway,
		manager:        manager,
		metrics:        metrics,
		collector:      observability.NewCollector(metrics, log),
		shutdownTracer: shutdownTracer,
	}, nil
}
