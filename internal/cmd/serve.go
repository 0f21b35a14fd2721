package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/calder-labs/stagecoach/config"
	"github.com/calder-labs/stagecoach/knowledge"
	"github.com/calder-labs/stagecoach/logging"
	"github.com/calder-labs/stagecoach/model"
	modelanthropic "github.com/calder-labs/stagecoach/model/anthropic"
	modelopenai "github.com/calder-labs/stagecoach/model/openai"
	"github.com/calder-labs/stagecoach/orchestrator"
	"github.com/calder-labs/stagecoach/pipeline"
	"github.com/calder-labs/stagecoach/runner"
	"github.com/calder-labs/stagecoach/sandbox"
	"github.com/calder-labs/stagecoach/server"
	"github.com/calder-labs/stagecoach/tool"
)

const defaultModel = "claude-sonnet-4-5"

// NewServeCommand builds the serve subcommand: load configuration, wire the
// stack and run the HTTP service until interrupted.
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the service config file")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	yamlStore, err := config.NewYAMLStore(cfg.Agents.Path)
	if err != nil {
		return fmt.Errorf("load agent definitions: %w", err)
	}
	store := config.NewCachedStore(yamlStore)

	runtime := sandbox.NewProcessRuntime(
		sandbox.NewWorkspaceManager(cfg.Sandbox.Root),
		func(o *sandbox.Options) {
			o.IsolatedTimeout = cfg.Sandbox.IsolatedTimeout
			o.WorkspaceTimeout = cfg.Sandbox.WorkspaceTimeout
			o.Logger = logger
		},
	)

	registry := tool.NewRegistry(workspaceTools(runtime)...)
	retriever := knowledge.NewInMemoryStore()

	retry := model.RetryConfig{
		MaxAttempts:  cfg.Model.RetryMaxAttempts,
		InitialDelay: cfg.Model.RetryInitialDelay,
		MaxDelay:     cfg.Model.RetryMaxDelay,
	}

	factory := func(def *config.AgentDefinition) (*pipeline.Executor, error) {
		return pipeline.New(def, providerFor(def.Model), func(o *pipeline.Options) {
			o.Tools = registry.Subset(def.Tools)
			o.Retriever = retriever
			o.Runtime = runtime
			o.Retry = retry
			o.ModelCallTimeout = cfg.Model.CallTimeout
			o.RetryOnTimeout = cfg.Sandbox.RetryOnTimeout
		})
	}

	orch := orchestrator.New(store, providerFor(defaultModel), factory,
		func(o *orchestrator.Options) { o.Retry = retry })

	coord := runner.New(orch, func(o *runner.Options) {
		o.MaxModelCalls = cfg.Model.MaxCallsPerRun
		o.Logger = logger
	})

	srv := server.New(coord, func(o *server.Options) {
		o.ReadTimeout = cfg.Server.ReadTimeout
		o.Logger = logger
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("server.shutdown")
		if err := srv.Shutdown(); err != nil {
			logger.Error("server.shutdown.failed", "error", err.Error())
		}
	}()

	return srv.Listen(cfg.Server.Addr)
}

// providerFor binds a model name to a provider adapter. Claude models go to
// the Anthropic adapter, everything else to the OpenAI compatible one.
func providerFor(name string) model.Provider {
	if name == "" {
		name = defaultModel
	}
	if strings.HasPrefix(name, "claude") {
		return modelanthropic.NewProvider(func(o *modelanthropic.Options) {
			o.Model = anthropicsdk.Model(name)
		})
	}
	return modelopenai.NewProvider(func(o *modelopenai.Options) {
		o.Model = name
	})
}

func newLogger(level, format string) logging.Logger {
	lvl := parseLevel(level)
	if format == "text" {
		return logging.NewSlogLogger(lvl, "text", os.Stderr)
	}
	return logging.NewZerologLogger(lvl, os.Stderr)
}

func parseLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}
