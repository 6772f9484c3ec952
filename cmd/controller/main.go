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

	"github.com/wirelab/wirelab/pkg/controller"
	"github.com/wirelab/wirelab/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "3.0.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "controller",
		Short: "Wirelab Controller - coordination layer for network emulation",
		Long: `The Wirelab controller owns every topology: agent registration, project
lifecycle, node placement and the durable topology store. Emulation itself
runs on compute agents reached over the /v3 HTTP API.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("bind-addr", "0.0.0.0:3080", "HTTP API bind address")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	rootCmd.PersistentFlags().String("projects-dir", "/var/lib/wirelab/projects", "Directory holding project directories")
	rootCmd.PersistentFlags().StringSlice("image-dirs", nil, "Directories searched for disk images, in order")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Enable trace export")
	rootCmd.PersistentFlags().Float64("tracing-sample-rate", 0.1, "Trace sampling rate (0..1)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("bind_addr", rootCmd.PersistentFlags().Lookup("bind-addr"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("projects_dir", rootCmd.PersistentFlags().Lookup("projects-dir"))
	viper.BindPFlag("image_dirs", rootCmd.PersistentFlags().Lookup("image-dirs"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.sample_rate", rootCmd.PersistentFlags().Lookup("tracing-sample-rate"))

	viper.SetEnvPrefix("WIRELAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Wirelab Controller\n")
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

	logger.Info("Starting Wirelab Controller",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		ServiceName:    "wirelab-controller",
		ServiceVersion: Version,
		SampleRate:     viper.GetFloat64("tracing.sample_rate"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	ctl, err := controller.New(&controller.Config{
		Version:     Version,
		ProjectsDir: viper.GetString("projects_dir"),
		ImageDirs:   viper.GetStringSlice("image_dirs"),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}

	apiServer := &http.Server{
		Addr:              viper.GetString("bind_addr"),
		Handler:           controller.NewAPI(ctl, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP API server failed", zap.Error(err))
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

	// Close projects before the listeners so every agent hears it.
	for _, p := range ctl.Projects() {
		if err := p.Close(shutdownCtx); err != nil {
			logger.Warn("Failed to close project during shutdown",
				zap.String("project_id", p.ID()),
				zap.Error(err),
			)
		}
	}
	for _, agent := range ctl.Agents() {
		ctl.RemoveAgent(agent.ID())
	}

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP API shutdown failed", zap.Error(err))
	}
	if err := metrics.Stop(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", zap.Error(err))
	}

	logger.Info("Controller stopped")
	return nil
}
