package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipforge/clipforge/pkg/core/tasks"
	"github.com/clipforge/clipforge/pkg/core/workers"
	"github.com/clipforge/clipforge/pkg/infrastructure/config"
	"github.com/clipforge/clipforge/pkg/infrastructure/logging"
	"github.com/clipforge/clipforge/pkg/media"
	"github.com/clipforge/clipforge/pkg/orchestrator"
)

const version = "0.3.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		listenAddr  = flag.String("listen", "", "Listen address override")
		outputDir   = flag.String("output-dir", "", "Directory for processed artifacts")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("clipforged %s\n", version)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("daemon")

	orch := orchestrator.New(orchestrator.Options{
		Retention:          cfg.Registry.Retention,
		SweepInterval:      cfg.Registry.SweepInterval,
		EventLogCapacity:   cfg.Registry.EventLogCapacity,
		HealthWindow:       cfg.Health.Window,
		TargetTaskDuration: cfg.Health.TargetDuration,
	}, logger)

	media.Register(orch, media.Options{OutputDir: *outputDir})

	for _, p := range cfg.Pools {
		taskType := tasks.TaskType(p.Type)
		if !taskType.Valid() {
			log.Errorf("skipping pool %s: unknown task type %q", p.Name, p.Type)
			continue
		}
		err := orch.CreatePool(p.Name, taskType, workers.PoolConfig{
			MinWorkers:         p.MinWorkers,
			MaxWorkers:         p.MaxWorkers,
			MaxQueueSize:       p.MaxQueueSize,
			TaskTimeout:        p.TaskTimeout,
			ScaleUpThreshold:   p.ScaleUp,
			ScaleDownThreshold: p.ScaleDown,
			ScaleInterval:      p.ScaleInterval,
			IdleTimeout:        p.IdleTimeout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create pool %s: %v\n", p.Name, err)
			os.Exit(1)
		}
	}
	orch.Start()

	// Hot-reload the log level on config file edits
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
			if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
				logger.SetLevel(level)
				log.Info("log level reloaded", map[string]any{"level": next.Logging.Level})
			}
		})
		if err != nil {
			log.Warnf("config watcher disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	api := newAPIServer(orch, logger, cfg.Health.StatsInterval)
	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: api.router(),
	}

	go func() {
		log.Info("listening", map[string]any{"addr": cfg.Server.ListenAddr, "version": version})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	api.close()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	if err := orch.Shutdown(ctx); err != nil {
		log.Warnf("orchestrator shutdown: %v", err)
	}
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	logCfg := &logging.Config{Level: level, Output: os.Stdout}
	if cfg.Logging.Format == "json" {
		logCfg.Format = logging.JSONFormat
	}
	switch cfg.Logging.Output {
	case "file":
		out, err := logging.CreateFileOutput(cfg.Logging.File)
		if err != nil {
			return nil, err
		}
		logCfg.Output = out
	case "both":
		out, err := logging.CreateCombinedOutput(cfg.Logging.File)
		if err != nil {
			return nil, err
		}
		logCfg.Output = out
	}
	return logging.New(logCfg), nil
}
