// Command bgserver wires every component into an HTTP server: cobra handles
// flags, config.Load reads the YAML file, and main assembles the collaborator
// graph the rest of this module only describes in terms of interfaces.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fluxworks/taskrunner/internal/agentiface"
	"github.com/fluxworks/taskrunner/internal/approval"
	"github.com/fluxworks/taskrunner/internal/bgtask"
	"github.com/fluxworks/taskrunner/internal/chatlock"
	"github.com/fluxworks/taskrunner/internal/config"
	"github.com/fluxworks/taskrunner/internal/injectionqueue"
	"github.com/fluxworks/taskrunner/internal/lifecycle"
	"github.com/fluxworks/taskrunner/internal/logging"
	"github.com/fluxworks/taskrunner/internal/permission"
	"github.com/fluxworks/taskrunner/internal/progress"
	"github.com/fluxworks/taskrunner/internal/retention"
	"github.com/fluxworks/taskrunner/internal/safecmd"
	"github.com/fluxworks/taskrunner/internal/sandbox"
	"github.com/fluxworks/taskrunner/internal/server"
	"github.com/fluxworks/taskrunner/internal/ssebus"
)

var (
	cfgFile  string
	hostFlag string
	portFlag int
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "bgserver",
		Short: "Background task orchestration server",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	serveCmd.Flags().StringVar(&hostFlag, "host", "", "override Config.Host")
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "override Config.Port")
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bgserver: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}

	bus := ssebus.New()
	lock := chatlock.New()
	approvals := approval.New()
	policy := safecmd.Default()
	permBridge := permission.New(approvals, bus, policy)
	progressTracker := progress.New(int(cfg.Progress.IntervalMs), func(r progress.Record) {
		bus.Send(ssebus.Event{Type: ssebus.TypeProgress, Data: map[string]any{
			"taskId": r.TaskID,
			"stage":  r.Stage,
		}})
	})

	sandboxes := sandbox.New()
	sandboxes.Register("local", func(taskID string) (agentiface.Sandbox, error) { return sandbox.NewLocal(taskID) })
	sandboxes.Register("remote", sandbox.NewRemoteFactory(previewHostBase()))

	parent, err := newParentAgent()
	if err != nil {
		return fmt.Errorf("loading parent agent runtime: %w", err)
	}
	convo := server.NewConversation(parent, lock, bus)
	queue := injectionqueue.New(lock, bus, convo)

	runner := bgtask.New(
		bgtask.Options{
			MaxConcurrent:        cfg.Scheduler.MaxConcurrent,
			DefaultIdleTimeoutMs: int(cfg.Scheduler.DefaultIdleTimeoutMs),
			DefaultMaxToolCalls:  cfg.Scheduler.DefaultMaxToolCalls,
			DefaultMaxSteps:      cfg.Scheduler.DefaultMaxSteps,
			SandboxKeepAliveMs:   int(cfg.KeepAlive.SandboxMs),
			AgentKeepAliveMs:     int(cfg.KeepAlive.AgentMs),
		},
		newSubAgentFactory(),
		sandboxes,
		queue,
		bus,
		progressTracker,
		permBridge,
	)

	var sweeper *retention.Sweeper
	if cfg.IsRetentionSweepEnabled() {
		sweeper = retention.New(runner, runner, cfg.RetentionMaxAge())
		if err := sweeper.Start(cfg.Retention.SweepCronSpec); err != nil {
			return fmt.Errorf("starting retention sweep: %w", err)
		}
	}

	deps := &server.Deps{
		Runner:       runner,
		Approvals:    approvals,
		Bus:          bus,
		Lock:         lock,
		Conversation: convo,
		Progress:     progressTracker,
		Auth:         cfg,
	}
	handler := server.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		lifecycle.Emit(lifecycle.EventShutdownStarted, nil)
		cancel()
	}()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("http server error: %v", err)
		}
	}()
	logging.Infof("bgserver listening on %s", addr)
	lifecycle.Emit(lifecycle.EventServerStarted, nil)

	<-ctx.Done()

	logging.Info("shutting down gracefully")
	if sweeper != nil {
		sweeper.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	lifecycle.Emit(lifecycle.EventShutdownComplete, nil)
	return nil
}

// previewHostBase is the base URL the remote sandbox kind publishes preview
// links under. Empty unless configured via BGSERVER_PREVIEW_HOST_BASE.
func previewHostBase() string {
	return os.Getenv("BGSERVER_PREVIEW_HOST_BASE")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
