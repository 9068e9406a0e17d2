package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ckoons/argo/internal/api"
	"github.com/ckoons/argo/internal/exitqueue"
	"github.com/ckoons/argo/internal/log"
	"github.com/ckoons/argo/internal/registry"
	"github.com/ckoons/argo/internal/scheduler"
	"github.com/ckoons/argo/internal/supervisor"
	"github.com/ckoons/argo/internal/templateresolve"
	"github.com/ckoons/argo/internal/tracing"
)

func runDaemon(_ *cobra.Command, args []string) error {
	cleanup, err := initDebugLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	port, err := resolvePort(args)
	if err != nil {
		return err
	}
	host := resolveHost()

	logDir := os.Getenv("ARGO_LOG_DIR")
	if logDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory for log directory: %w", err)
		}
		logDir = filepath.Join(home, ".argo", "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory %s: %w", logDir, err)
	}

	templateDir := os.Getenv("ARGO_TEMPLATE_DIR")
	if templateDir == "" {
		templateDir = "templates"
	}

	checkpointPath := os.Getenv("ARGO_CHECKPOINT_FILE")
	if checkpointPath == "" {
		checkpointPath = filepath.Join(".argo", "workflows", "registry", "active_workflow_registry.json")
	}

	reg := registry.New().WithCheckpoint(registry.NewJSONCheckpoint(checkpointPath))
	if err := reg.Reconcile(); err != nil {
		log.Error(log.CatDaemon, "checkpoint reconcile failed", "error", err)
	}
	reg.CleanupDead(supervisor.IsAlive)

	exitQ := exitqueue.New()

	sup := supervisor.New(reg, exitQ, logDir)
	scriptWatcher, err := supervisor.NewScriptWatcher()
	if err != nil {
		log.Error(log.CatDaemon, "failed to start script watcher", "error", err)
	} else {
		sup.WithScriptWatch(scriptWatcher)
		scriptWatcher.Start()
		defer scriptWatcher.Stop()
	}
	sup.Start()
	defer sup.Stop()

	sched := scheduler.New()
	if err := scheduler.RegisterCoreTasks(sched, reg, exitQ, sup, logDir); err != nil {
		return fmt.Errorf("registering scheduler tasks: %w", err)
	}
	sched.Start()

	resolver := templateresolve.NewDirResolver(templateDir)

	tracingCfg := tracing.DefaultConfig()
	if os.Getenv("ARGO_TRACE_ENABLED") != "" {
		tracingCfg.Enabled = true
		if exp := os.Getenv("ARGO_TRACE_EXPORTER"); exp != "" {
			tracingCfg.Exporter = exp
		}
		if fp := os.Getenv("ARGO_TRACE_FILE"); fp != "" {
			tracingCfg.FilePath = fp
		}
	}
	tracer, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("starting tracing provider: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownCh := make(chan struct{}, 1)

	server, err := api.NewServer(api.ServerConfig{
		Addr: fmt.Sprintf("%s:%d", host, port),
		Handler: api.Config{
			Registry:  reg,
			Supervisor: sup,
			Resolver:  resolver,
			LogDir:    logDir,
			Tracer:    tracer.Tracer(),
			OnShutdown: func() {
				shutdownCh <- struct{}{}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("argo daemon listening on %s:%d\n", host, server.Port())

	select {
	case sig := <-sigCh:
		fmt.Printf("received %s, shutting down\n", sig)
	case <-shutdownCh:
		fmt.Println("shutdown requested via API, shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	sched.Stop()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error(log.CatDaemon, "error stopping API server", "error", err)
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Error(log.CatDaemon, "error stopping tracing provider", "error", err)
	}

	if err := reg.Flush(); err != nil {
		log.Error(log.CatDaemon, "error flushing registry checkpoint", "error", err)
	}
	reg.Close()

	fmt.Println("argo daemon stopped")
	return nil
}
