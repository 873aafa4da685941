package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/webrelay/internal/admission"
	"github.com/mattjoyce/webrelay/internal/api"
	"github.com/mattjoyce/webrelay/internal/callback"
	"github.com/mattjoyce/webrelay/internal/config"
	"github.com/mattjoyce/webrelay/internal/dispatch"
	"github.com/mattjoyce/webrelay/internal/events"
	"github.com/mattjoyce/webrelay/internal/executor"
	"github.com/mattjoyce/webrelay/internal/integrity"
	"github.com/mattjoyce/webrelay/internal/log"
	"github.com/mattjoyce/webrelay/internal/mainloop"
	"github.com/mattjoyce/webrelay/internal/owner"
	"github.com/mattjoyce/webrelay/internal/requestlog"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("webrelayd", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("webrelayd version %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("webrelayd starting", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(256)

	loop := mainloop.New()
	loop.Start(ctx)
	defer loop.Stop()

	owners := owner.NewRegistry()
	router := callback.NewRouter(loop, owners)

	verifier := integrity.NewVerifier(integrity.Config{
		BinaryPath:          cfg.Helper.Path,
		DistributionURL:     cfg.Helper.DistributionURL,
		ManualURL:           cfg.Helper.ManualURL,
		MaxDownloadAttempts: cfg.Helper.MaxDownloadAttempts,
		FetchTimeout:        cfg.Helper.FetchTimeout,
	})
	verifier.SetHub(hub)
	// Establish trust before the first dispatch; dispatch stays blocked
	// until this succeeds.
	verifier.ReverifyAsync()

	src := admission.NewRuntimeSource(cfg.Broker.MaxWorkers, cfg.Broker.MaxCompletions)
	adm := admission.NewController(src, admission.Config{
		WorkerThreshold: cfg.Broker.WorkerThreshold,
		IOThreshold:     cfg.Broker.IOThreshold,
	})
	wf, iof := adm.Floors()
	logger.Info("admission floors computed", "worker_floor", wf, "io_floor", iof)

	var audit *requestlog.Store
	if cfg.Audit.Enabled {
		db, err := requestlog.Open(ctx, cfg.Audit.Path)
		if err != nil {
			logger.Error("failed to open request audit log", "path", cfg.Audit.Path, "error", err)
			return 1
		}
		defer db.Close()
		audit = requestlog.NewStore(db)
		logger.Info("request audit log opened", "path", cfg.Audit.Path)
	}

	exec := executor.New(executor.Config{
		HelperPath:     cfg.Helper.Path,
		DefaultTimeout: cfg.Broker.DefaultTimeout,
		BindAddress:    cfg.Broker.BindAddress,
	}, verifier, executor.NewProcessRunner(), router, owners)

	disp := dispatch.New(adm, exec, router, owners, audit, hub)
	disp.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		apiConfig := api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}
		var auditReader api.AuditReader
		if audit != nil {
			auditReader = audit
		}
		apiServer := api.New(apiConfig, disp, verifier, auditReader, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("webrelayd running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	disp.Shutdown(10 * time.Second)
	cancel()

	logger.Info("webrelayd stopped")
	return exitCode
}
