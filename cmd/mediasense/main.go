package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mediasense/mediasense/config"
	srv "github.com/mediasense/mediasense/internal/server"
	"github.com/mediasense/mediasense/internal/worker"
)

func main() {
	var root = &cobra.Command{Use: "mediasense"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (optional)")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("MEDIASENSE_HTTP_ADDR")
			}
			return srv.Run(config.LoadConfig(cfgPath), serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				dsn = config.LoadConfig(cfgPath).Storage.Postgres.DSN()
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var workerName string
	var workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run analysis pipeline worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerName == "" {
				host, _ := os.Hostname()
				workerName = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
			}
			return worker.Run(config.LoadConfig(cfgPath), workerName)
		},
	}
	workerCmd.Flags().StringVar(&workerName, "name", "", "consumer name within the worker group (default host-pid)")

	root.AddCommand(serve, migrate, workerCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
