package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/compute"
	"github.com/wirelab/wirelab/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "3.0.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "Wirelab Agent - compute host for network emulation",
		Long: `The Wirelab agent executes emulated nodes on behalf of a controller. It
exposes the /v3 compute API: capabilities, project and node lifecycle,
project files, image upload and the notification stream.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("bind-addr", "0.0.0.0:3081", "HTTP API bind address")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9091", "Metrics server bind address")
	rootCmd.PersistentFlags().String("projects-dir", "/var/lib/wirelab/agent/projects", "Directory holding project working directories")
	rootCmd.PersistentFlags().String("images-dir", "/var/lib/wirelab/agent/images", "Directory holding uploaded disk images")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("auth-user", "", "HTTP Basic auth user (auth disabled when empty)")
	rootCmd.PersistentFlags().String("auth-password", "", "HTTP Basic auth password")
	rootCmd.PersistentFlags().String("console-host", "127.0.0.1", "Address consoles are advertised on")
	rootCmd.PersistentFlags().Bool("console-bind-any", false, "Bind consoles on all interfaces")
	rootCmd.PersistentFlags().Int("console-port-first", 2000, "First TCP console port")
	rootCmd.PersistentFlags().Int("console-port-last", 3000, "Last TCP console port")
	rootCmd.PersistentFlags().Int("udp-port-first", 10000, "First UDP tunnel port")
	rootCmd.PersistentFlags().Int("udp-port-last", 20000, "Last UDP tunnel port")
	rootCmd.PersistentFlags().Duration("ping-interval", 5*time.Second, "Interval between ping events on the notification stream")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("bind_addr", rootCmd.PersistentFlags().Lookup("bind-addr"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("projects_dir", rootCmd.PersistentFlags().Lookup("projects-dir"))
	viper.BindPFlag("images_dir", rootCmd.PersistentFlags().Lookup("images-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("auth.user", rootCmd.PersistentFlags().Lookup("auth-user"))
	viper.BindPFlag("auth.password", rootCmd.PersistentFlags().Lookup("auth-password"))
	viper.BindPFlag("console.host", rootCmd.PersistentFlags().Lookup("console-host"))
	viper.BindPFlag("console.bind_any", rootCmd.PersistentFlags().Lookup("console-bind-any"))
	viper.BindPFlag("console.port_first", rootCmd.PersistentFlags().Lookup("console-port-first"))
	viper.BindPFlag("console.port_last", rootCmd.PersistentFlags().Lookup("console-port-last"))
	viper.BindPFlag("udp.port_first", rootCmd.PersistentFlags().Lookup("udp-port-first"))
	viper.BindPFlag("udp.port_last", rootCmd.PersistentFlags().Lookup("udp-port-last"))
	viper.BindPFlag("ping_interval", rootCmd.PersistentFlags().Lookup("ping-interval"))

	viper.SetEnvPrefix("WIRELAB_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Wirelab Agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Wirelab Agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	pool, err := compute.NewPortPool(compute.PortPoolConfig{
		TCPFirst:         viper.GetInt("console.port_first"),
		TCPLast:          viper.GetInt("console.port_last"),
		UDPFirst:         viper.GetInt("udp.port_first"),
		UDPLast:          viper.GetInt("udp.port_last"),
		Host:             viper.GetString("console.host"),
		ConsoleBindToAny: viper.GetBool("console.bind_any"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize port pool: %w", err)
	}

	hub := compute.NewHub(viper.GetDuration("ping_interval"), logger)
	hub.Start()
	defer hub.Stop()

	// Node adapters are registered by the emulator supervisors compiled
	// into a deployment; the bare agent starts with none and reports an
	// empty node-type list on its capabilities.
	var adapters []compute.NodeAdapter

	registry, err := compute.NewRegistry(compute.RegistryConfig{
		ProjectsDir: viper.GetString("projects_dir"),
	}, pool, hub, adapters, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize project registry: %w", err)
	}

	server, err := compute.NewServer(compute.ServerConfig{
		Version:   Version,
		User:      viper.GetString("auth.user"),
		Password:  viper.GetString("auth.password"),
		ImagesDir: viper.GetString("images_dir"),
	}, registry, hub, adapters, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize compute API: %w", err)
	}

	apiServer := &http.Server{
		Addr:              viper.GetString("bind_addr"),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Compute API listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Compute API server failed", zap.Error(err))
			cancel()
		}
	}()

	metrics := observability.NewMetricsServer(viper.GetString("metrics_addr"), logger)
	if err := metrics.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Close every hosted project so emulators stop and ports come back.
	for _, p := range registry.Projects() {
		if err := p.Close(shutdownCtx); err != nil {
			logger.Warn("Failed to close project during shutdown",
				zap.String("project_id", p.ID()),
				zap.Error(err),
			)
		}
	}

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Compute API shutdown failed", zap.Error(err))
	}
	if err := metrics.Stop(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}

	logger.Info("Agent stopped")
	return nil
}
