package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"codesync/api"
	"codesync/config"
	"codesync/coordinator"
	"codesync/executor"
	"codesync/hub"
	"codesync/reaper"
	"codesync/sandbox"
	"codesync/toolchain"
	"codesync/workspace"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/bwmarrin/snowflake"
	"github.com/spf13/afero"
	"github.com/syossan27/tebata"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 30 * time.Second

var (
	lock        = &sync.Mutex{}
	interrupted = false
)

func shutdown(server *api.HttpApi, coord *coordinator.Coordinator, roomHub *hub.Hub, reap *reaper.Reaper,
	logWriter *lumberjack.Logger, logger slog.Logger) {
	// we lock here so we can prevent the main thread from exiting
	// before we finish the graceful shutdown
	lock.Lock()
	defer lock.Unlock()

	if interrupted {
		return
	}
	interrupted = true

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info(ctx, "received termination - shutting down gracefully")

	// stop taking new connections and close the open ones
	logger.Info(ctx, "closing server")
	err := server.Shutdown(ctx)
	if err != nil {
		logger.Error(ctx, "failed to close server gracefully", slog.Error(err))
	}

	// let in-flight executions finish and publish
	logger.Info(ctx, "closing coordinator")
	err = coord.Close(ctx)
	if err != nil {
		logger.Error(ctx, "failed to drain coordinator", slog.Error(err))
	}

	roomHub.Close()
	reap.Stop()

	logger.Info(ctx, "shutdown complete")
	_ = logWriter.Close()
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	// sandbox stages re-execute this binary and never return from here
	sandbox.Init()

	configPath := flag.String("config", "", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("failed to load config ", err)
	}

	ctx := context.Background()

	logWriter := &lumberjack.Logger{
		Filename:   cfg.Logger.File,
		MaxSize:    cfg.Logger.MaxSizeMB,
		MaxBackups: cfg.Logger.MaxBackups,
	}
	logger := slog.Make(sloghuman.Sink(os.Stdout), sloghuman.Sink(logWriter)).Leveled(levelFromString(cfg.Logger.Level))

	snowflakeNode, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatalf("failed to create snowflake node: %v", err)
	}

	// collect zombies when running as the entrypoint of a container
	reap := reaper.New(reaper.Options{Logger: logger})

	registry := toolchain.NewRegistry()

	images := make([]string, 0)
	for _, recipe := range registry.Recipes() {
		images = append(images, recipe.Image)
	}

	workspaces, err := workspace.NewManager(workspace.ManagerParams{
		Fs:        afero.NewOsFs(),
		Root:      cfg.Execution.WorkspaceRoot,
		Snowflake: snowflakeNode,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to create workspace manager: %v", err)
	}

	// remove what a previous crash left behind
	removed, err := workspaces.Sweep(ctx)
	if err != nil {
		logger.Warn(ctx, "failed to sweep stale workspaces", slog.Error(err))
	} else if removed > 0 {
		logger.Info(ctx, "removed stale workspaces", slog.F("count", removed))
	}

	sb, err := sandbox.FromConfig(ctx, sandbox.FactoryParams{
		Sandbox:   cfg.Sandbox,
		Execution: cfg.Execution,
		ReapLock:  reap.Lock(),
		Images:    images,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to create sandbox: %v", err)
	}

	engine, err := executor.NewEngine(executor.EngineParams{
		Registry:   registry,
		Workspaces: workspaces,
		Sandbox:    sb,
		Config:     cfg.Execution,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to create execution engine: %v", err)
	}

	roomHub := hub.NewHub(hub.HubParams{Logger: logger})

	coord, err := coordinator.New(coordinator.Params{
		Engine:        engine,
		Publisher:     roomHub,
		MaxConcurrent: cfg.Execution.MaxConcurrent,
		QueueDepth:    cfg.Execution.RoomQueueDepth,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to create coordinator: %v", err)
	}

	server, err := api.NewHttpApi(api.HttpApiParams{
		NodeID:               cfg.NodeID,
		Snowflake:            snowflakeNode,
		Port:                 cfg.Server.Port,
		Host:                 cfg.Server.Host,
		Logger:               logger,
		Secret:               cfg.Server.Secret,
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		SubmitRatePerSec:     cfg.Server.SubmitRatePerSec,
		SubmitBurst:          cfg.Server.SubmitBurst,
		MaxHandlersPerSocket: cfg.Server.MaxHandlersPerSocket,
		Hub:                  roomHub,
		Coordinator:          coord,
		Registry:             registry,
	})
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	// register shutdown handler for all potential interrupt signals
	interrupt := tebata.New(syscall.SIGINT)
	err = interrupt.Reserve(shutdown, server, coord, roomHub, reap, logWriter, logger)
	if err != nil {
		log.Fatal("failed to created interrupt handler: ", err)
	}

	term := tebata.New(syscall.SIGTERM)
	err = term.Reserve(shutdown, server, coord, roomHub, reap, logWriter, logger)
	if err != nil {
		log.Fatal("failed to created term handler: ", err)
	}

	logger.Info(ctx, "starting codesync",
		slog.F("address", server.Addr().String()),
		slog.F("sandbox", sb.Name()),
		slog.F("languages", len(images)),
		slog.F("reaping", reap.Running()),
	)

	err = server.Start(ctx)

	// acquire lock so we can be sure that any graceful shutdown has completed
	lock.Lock()
	wasInterrupted := interrupted
	lock.Unlock()

	// only log the error if we didn't gracefully shutdown
	if err != nil && !wasInterrupted {
		logger.Error(ctx, "server failed unexpectedly", slog.Error(err))
		shutdown(server, coord, roomHub, reap, logWriter, logger)
		os.Exit(1)
	}

	// the signal handler runs on its own goroutine and may still be draining
	lock.Lock()
	defer lock.Unlock()
}
