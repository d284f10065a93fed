package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"sidethread/internal/app"
	"sidethread/internal/httpapi"
	"sidethread/internal/logging"
	"sidethread/internal/tui"
)

const version = "0.3.0"

func main() {
	var (
		configPath string
		mockFlag   bool
		logLevel   string
	)

	root := &cobra.Command{
		Use:     "sidethread",
		Short:   "Branching chat over a stateful completion API",
		Long:    "sidethread is a demo chat client whose conversations are chained server-side completions.\n\nRun without arguments for the interactive TUI. Side threads fork from any reply, run in isolation, and merge back as a summary or full transcript.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp(configPath, mockFlag, logLevel, true)
			if err != nil {
				return err
			}
			defer application.Close()
			return tui.Run(application)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: user config dir)")
	root.PersistentFlags().BoolVar(&mockFlag, "mock", false, "answer from the built-in mock instead of the hosted API")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	var listenAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp(configPath, mockFlag, logLevel, false)
			if err != nil {
				return err
			}
			defer application.Close()

			addr := listenAddr
			if addr == "" {
				addr = application.Config.ListenAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := httpapi.NewServer(application, application.Log)
			return server.ListenAndServe(ctx, addr)
		},
	}
	serve.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from config)")
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sidethread v%s\n", version)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config-init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = app.DefaultConfigPath()
			}
			if err := app.SaveConfig(app.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildApp loads config, resolves the API key, and wires the application.
// Without a key the client falls back to mock mode, so the demo always runs.
func buildApp(configPath string, mockFlag bool, logLevel string, interactive bool) (*app.Application, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("SIDETHREAD_API_KEY")
	}

	mock := mockFlag || cfg.APIKey == ""

	logFile := cfg.LogFile
	if interactive && logFile == "" {
		// The TUI owns the terminal; logs go to a file next to the data.
		logFile = filepath.Join(app.DefaultStorageRoot(), "sidethread.log")
	}
	logger := logging.New(logging.Options{
		Level:   logLevel,
		File:    logFile,
		Console: !interactive && logFile == "",
	})
	if mock && !mockFlag {
		logger.Info().Msg("no api key configured, running in mock mode")
	}

	return app.NewApplication(cfg, mock, logger)
}
