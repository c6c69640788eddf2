// Command bridge runs the MCP session/process bridge: an HTTP/JSON-RPC
// front end that multiplexes chat-UI tool calls onto a fleet of MCP
// subprocess (or container) servers, handling session routing, path
// resolution, idle reaping, and garbage collection.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/notfolder/mcpo-bridge/internal/adapter"
	"github.com/notfolder/mcpo-bridge/internal/config"
	"github.com/notfolder/mcpo-bridge/internal/container"
	"github.com/notfolder/mcpo-bridge/internal/container/docker"
	"github.com/notfolder/mcpo-bridge/internal/dispatch"
	"github.com/notfolder/mcpo-bridge/internal/ephemeral"
	"github.com/notfolder/mcpo-bridge/internal/gc"
	"github.com/notfolder/mcpo-bridge/internal/httpapi"
	"github.com/notfolder/mcpo-bridge/internal/ledger"
	"github.com/notfolder/mcpo-bridge/internal/logger"
	"github.com/notfolder/mcpo-bridge/internal/ratelimit"
	"github.com/notfolder/mcpo-bridge/internal/registry"
	"github.com/notfolder/mcpo-bridge/internal/workspace"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("mcpo-bridge %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}
	run()
}

func printUsage() {
	fmt.Printf(`mcpo-bridge %s - MCP session/process bridge

Usage: mcpo-bridge [options]

Options:
  --config <path>   Server catalog file (default %s)
  --addr <addr>     Listen address (default :8080)
  --version         Print version and exit

Configuration is otherwise read from environment variables.
`, Version, config.DefaultSettings().ConfigFile)
}

func run() {
	settings := config.LoadSettings()

	configFile := flag.String("config", settings.ConfigFile, "server catalog file")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()
	settings.ConfigFile = *configFile

	if err := logger.Init("./logs", settings.LogLevel != "debug"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	catalog, err := config.LoadCatalog(settings.ConfigFile, settings)
	if err != nil {
		logger.Slog().Error("failed to load catalog", "error", err)
		os.Exit(1)
	}

	jobs, err := workspace.NewManager(settings.JobsDir)
	if err != nil {
		logger.Slog().Error("failed to init workspace manager", "error", err)
		os.Exit(1)
	}

	led, err := ledger.Open(settings.DataDir)
	if err != nil {
		logger.Slog().Error("failed to open ledger", "error", err)
		os.Exit(1)
	}

	var containerRuntime container.Runtime
	for _, spec := range catalog.Servers {
		if spec.Runtime == config.RuntimeContainer {
			rt, err := docker.NewRuntime()
			if err != nil {
				logger.Slog().Error("failed to init docker runtime", "error", err)
				os.Exit(1)
			}
			containerRuntime = rt
			break
		}
	}

	sem := semaphore.NewWeighted(int64(settings.MaxConcurrent))

	spawn := func(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error) {
		spec := catalog.Lookup(serverName)
		if spec == nil {
			return nil, fmt.Errorf("unknown server: %s", serverName)
		}

		as := adapter.Spec{
			Name:    spec.Name,
			Command: spec.Command,
		}
		if spec.Runtime == config.RuntimeContainer {
			as.Args = spec.ResolveArgs(spec.ContainerWorkdir)
			as.Env = spec.ResolveEnv(spec.ContainerWorkdir)
			as.Container = &adapter.ContainerSpec{
				Runtime:          containerRuntime,
				Image:            spec.ContainerImage,
				HostWorkdir:      workdir,
				ContainerWorkdir: spec.ContainerWorkdir,
			}
		} else {
			as.Args = spec.ResolveArgs(workdir)
			as.Env = spec.ResolveEnv(workdir)
		}

		a := adapter.New(as, sem)
		if err := a.Start(ctx); err != nil {
			return nil, err
		}
		return a, nil
	}

	reg := registry.New(jobs, registry.Spawner(spawn), settings.StatefulMaxTotalProcesses)
	eph := ephemeral.New(jobs, ephemeral.Spawner(spawn))
	dispatcher := dispatch.New(catalog, reg, eph, settings.BaseURL)
	reg.SetLedger(led, settings.WorkspaceFileTTL)
	eph.SetLedger(led, settings.WorkspaceFileTTL)
	dispatcher.SetLedger(led)

	limiter := ratelimit.Default()

	collector := gc.New(jobs, reg, led, catalog, settings.GCSchedule, settings.WorkspaceFileTTL)
	collector.Start()

	server := httpapi.New(httpapi.Config{
		Dispatcher: dispatcher,
		Registry:   reg,
		Jobs:       jobs,
		Limiter:    limiter,
		Version:    Version,
	})

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.Handler(),
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Slog().Info("mcpo-bridge: listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Slog().Error("server error", "error", err)
	case sig := <-shutdownChan:
		logger.Slog().Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_ = httpServer.Shutdown(shutdownCtx)
		collector.Stop()
		reg.Close()
		if containerRuntime != nil {
			_ = containerRuntime.Close()
		}
		_ = led.Close()
		_ = logger.Close()
	}
}
