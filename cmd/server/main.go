package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/downlink-go/api"
	"github.com/yourusername/downlink-go/api/handlers"
	"github.com/yourusername/downlink-go/internal/app"
	"github.com/yourusername/downlink-go/internal/domain"
	"github.com/yourusername/downlink-go/internal/infrastructure"
	"github.com/yourusername/downlink-go/pkg/logger"
)

var (
	serverMode = flag.Bool("server-mode", false, "Internal flag: run in server mode (called by daemon)")
	foreground = flag.Bool("foreground", false, "Run attached to the terminal instead of as a daemon")
	configPath = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	if !*serverMode && !*foreground {
		startAsDaemon()
		return
	}

	if err := runServer(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// startAsDaemon re-executes the binary detached from the terminal
func startAsDaemon() {
	execPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get executable path: %v\n", err)
		os.Exit(1)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}

	args := []string{"-server-mode"}
	if *configPath != "" {
		args = append(args, "-config", *configPath)
	}
	cmd := exec.Command(execPath, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	detach(cmd)

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", os.DevNull, err)
		os.Exit(1)
	}
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Server started as daemon (PID: %d)\n", cmd.Process.Pid)
	os.Exit(0)
}

func runServer() error {
	config, err := app.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	base, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer base.Sync()

	// Category files: transfer, plugin, error
	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{
		Level:   config.Logging.Level,
		LogsDir: config.Logging.LogsDir,
	})
	if err != nil {
		base.Warn("Category log files disabled", zap.Error(err))
		multiLog = nil
	} else {
		defer multiLog.Close()
	}

	log := multiLog.Tee(base, logger.CategoryError)
	transferLog := multiLog.Tee(base, logger.CategoryTransfer)
	pluginLog := multiLog.Tee(base, logger.CategoryPlugin)

	log.Info("Starting downlink server",
		zap.String("version", handlers.Version),
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.Strings("plugin_dirs", config.Plugins.Dirs))

	if err := createDirectories(config); err != nil {
		return err
	}

	settings, err := infrastructure.NewSQLiteSettingsRepository(config.Settings.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	defer settings.Close()

	sandbox, err := infrastructure.NewSandbox(&config.Plugins, pluginLog.Named("sandbox"))
	if err != nil {
		return fmt.Errorf("failed to create plugin sandbox: %w", err)
	}
	defer sandbox.Close()

	registry := app.NewPluginRegistry(config.Plugins.Dirs, sandbox, settings, pluginLog.Named("registry"))
	if err := registry.Load(); err != nil {
		log.Warn("Failed to load plugins", zap.Error(err))
	}
	resolver := app.NewPluginResolver(registry, sandbox, &config.Plugins, pluginLog.Named("resolver"))

	notifier := infrastructure.NewNotificationService(&config.Notification, log)
	engine := infrastructure.NewHTTPTransferEngine(config.Download.TempDir, transferLog.Named("transfer"))
	downloads := app.NewDownloadManager(engine, resolver, notifier, &config.Download, transferLog)

	hub := handlers.NewSubscriberHub(downloads, config.Broadcast.MinInterval, log.Named("subscribers"))
	router := api.SetupRouter(downloads, resolver, registry, hub, log)

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := api.NewServer(addr, router)

	// The manager outlives the signal context so Stop can halt transfers
	if err := downloads.Start(context.Background()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		if err := downloads.Stop(); err != nil {
			log.Error("Error stopping download manager", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("Server exited")
	return err
}

func createDirectories(config *domain.Config) error {
	dirs := append([]string{
		config.Download.DownloadDir,
		config.Download.TempDir,
	}, config.Plugins.Dirs...)

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
