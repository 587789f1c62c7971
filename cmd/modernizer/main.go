package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artemis/modernizer/internal/config"
	"github.com/artemis/modernizer/internal/docker"
	"github.com/artemis/modernizer/internal/events"
	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/reasoner"
	_ "github.com/artemis/modernizer/internal/reasoner/providers"
	"github.com/artemis/modernizer/internal/repo"
	"github.com/artemis/modernizer/internal/server"
	"github.com/artemis/modernizer/internal/service"
	"github.com/artemis/modernizer/internal/validation"
	"github.com/artemis/modernizer/internal/workers"
	"github.com/artemis/modernizer/internal/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modernizer",
	Short: "Automated dependency upgrade orchestrator",
	Long: `modernizer plans dependency upgrades with an LLM, validates them inside
sandbox containers, and opens pull requests for changes that pass.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Initialize logger
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		// Load config
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		// Update logger level if specified in config
		if cfg.LogLevel != "" {
			logger, err = observability.NewLogger(cfg.LogLevel)
			if err != nil {
				logger.Warn("failed to set log level, using default", zap.Error(err))
			}
		}
	},
}

// buildService wires the full collaborator graph: docker runtime,
// validation engine, reasoner client, repo gateways, event bus, and the
// four workers behind the workflow engine.
func buildService(ctx context.Context) (*service.Service, *docker.Client, *observability.HealthChecker, error) {
	dockerClient, err := docker.NewClient(logger, cfg.DockerHost)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	store, err := workflow.NewStore(cfg.PersistRoot)
	if err != nil {
		dockerClient.Close()
		return nil, nil, nil, err
	}

	bus := events.NewBus(store, store.TerminalEvent, logger)

	reasonerClient, err := reasoner.NewClient(cfg.ReasonerProvider, cfg.ReasonerModel, logger,
		reasoner.WithBaseURL(cfg.ReasonerBaseURL),
		reasoner.WithRetryConfig(reasoner.RetryConfig{
			MaxAttempts:       cfg.ReasonerMaxRetries,
			BackoffBase:       time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}),
	)
	if err != nil {
		dockerClient.Close()
		return nil, nil, nil, err
	}

	runtime := docker.NewRuntime(dockerClient, logger)
	engine := validation.NewEngine(runtime, logger, validation.Options{
		InstallTimeout: cfg.InstallTimeout,
		TestTimeout:    cfg.TestTimeout,
		Cleanup:        cfg.ContainerCleanup,
		StrictTests:    cfg.StrictTests,
	})

	github := repo.NewGitHubGateway(logger)

	// The service resolves the gateway per migration; workers receive the
	// selector indirectly to avoid a construction cycle.
	var svc *service.Service
	gatewayFor := func(st *migration.State) (repo.Gateway, repo.Ref, error) {
		return svc.GatewayFor(st)
	}

	hostPort := func(t migration.ProjectType) int {
		return cfg.ContainerPort(string(t))
	}

	svc = service.New(cfg, service.Deps{
		Store:     store,
		Bus:       bus,
		GitHub:    github,
		Planner:   workers.NewPlanner(reasonerClient, gatewayFor, bus, logger, cfg.ReasonerTimeout),
		Validator: workers.NewValidator(engine, bus, logger, hostPort),
		Analyzer:  workers.NewAnalyzer(reasonerClient, bus, logger, cfg.ReasonerTimeout),
		Deployer:  workers.NewDeployer(reasonerClient, gatewayFor, bus, logger, cfg.ReasonerTimeout),
	}, logger)

	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck("docker", observability.DockerHealthCheck(dockerClient.Ping))
	healthChecker.RegisterCheck("persist_root", observability.PersistRootCheck(cfg.PersistRoot))
	go healthChecker.StartPeriodicChecks(ctx, 10*time.Second)

	return svc, dockerClient, healthChecker, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server",
	Long:  "Start the HTTP API, resume interrupted migrations, and serve event streams",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServer(); err != nil {
			logger.Error("server failed", zap.Error(err))
			os.Exit(1)
		}
	},
}

func runServer() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, dockerClient, healthChecker, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	// Relaunch anything that was mid-flight when the last process died.
	if err := svc.ResumeAll(); err != nil {
		logger.Warn("resumption sweep failed", zap.Error(err))
	}

	httpServer := server.NewServer(cfg, svc, healthChecker, logger)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		httpServer.Stop(shutdownCtx)
		svc.Shutdown()
	}()

	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

var (
	runPath       string
	runRepoURL    string
	runBranch     string
	runToken      string
	runType       string
	runMaxRetries int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one migration to completion",
	Long:  "Start a single migration, stream its events to stdout, and exit with the terminal phase",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runOnce(cmd); err != nil {
			logger.Error("migration run failed", zap.Error(err))
			os.Exit(1)
		}
	},
}

func runOnce(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, dockerClient, _, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	req := service.StartRequest{
		ProjectPath: runPath,
		GitRepoURL:  runRepoURL,
		GitBranch:   runBranch,
		AuthToken:   runToken,
		ProjectType: runType,
	}
	if cmd.Flags().Changed("max-retries") {
		req.MaxRetries = &runMaxRetries
	}

	id, err := svc.StartMigration(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("migration %s started\n", id)

	sub, err := svc.SubscribeMigration(id)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("canceling migration...")
		svc.Cancel(id)
	}()

	for ev := range sub.C {
		if len(ev.Payload) > 0 {
			fmt.Printf("[%4d] %-20s %s %s\n", ev.Seq, ev.Kind, ev.SourceWorker, ev.Payload)
		} else {
			fmt.Printf("[%4d] %-20s %s\n", ev.Seq, ev.Kind, ev.SourceWorker)
		}
	}

	final, err := svc.GetMigration(id)
	if err != nil {
		return err
	}

	fmt.Printf("\nfinal phase: %s (retries used: %d)\n", final.Phase, final.RetriesUsed)
	if final.Deployment != nil {
		fmt.Printf("pull request: %s\n", final.Deployment.PRURL)
	}
	for _, e := range final.Errors {
		fmt.Printf("error: %s\n", e)
	}

	if final.Phase != migration.PhaseTerminalSuccess {
		os.Exit(2)
	}
	return nil
}

var (
	listLimit  int
	listOffset int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List migrations",
	Long:  "List persisted migrations, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		store, err := workflow.NewStore(cfg.PersistRoot)
		if err != nil {
			logger.Error("failed to open persist root", zap.Error(err))
			os.Exit(1)
		}

		states, err := store.ListStates()
		if err != nil {
			logger.Error("failed to list migrations", zap.Error(err))
			os.Exit(1)
		}

		if listOffset < len(states) {
			states = states[listOffset:]
		} else {
			states = nil
		}
		if listLimit > 0 && listLimit < len(states) {
			states = states[:listLimit]
		}

		fmt.Printf("Found %d migrations:\n", len(states))
		for _, st := range states {
			pr := ""
			if st.Deployment != nil {
				pr = " " + st.Deployment.PRURL
			}
			fmt.Printf("  - %s [%s] %s started %s%s\n",
				st.ID, st.Phase, st.ProjectType, st.StartedAt.Format(time.RFC3339), pr)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.modernizer/config.json)")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)

	// Run flags
	runCmd.Flags().StringVar(&runPath, "path", "", "Local project path")
	runCmd.Flags().StringVar(&runRepoURL, "repo", "", "Git repository URL")
	runCmd.Flags().StringVar(&runBranch, "branch", "main", "Git branch")
	runCmd.Flags().StringVar(&runToken, "token", "", "Repository auth token")
	runCmd.Flags().StringVar(&runType, "type", "", "Project type: node or python (required)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", 3, "Retry budget for the analyzer loop")
	runCmd.MarkFlagRequired("type")

	// List flags
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum migrations to show")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Migrations to skip")
}
