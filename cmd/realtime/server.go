package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"realtime/internal/app"
	"realtime/internal/logging"
)

var serverFlags struct {
	configPath     string
	addr           string
	dbPath         string
	reconcileDelay string
	logLevel       string
	redisAddr      string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP/WebSocket server",
	Long:  "Run the server. Settings come from the defaults, then --config, then REALTIME_* variables, then flags.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(serverFlags.configPath)
		if err != nil {
			return err
		}
		if err := applyServerFlags(cmd, &cfg); err != nil {
			return err
		}

		log := logging.New(cfg.Log.Level, cfg.Log.Development)
		defer func() { _ = log.Sync() }()

		handle, err := app.RunServer(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		err = handle.Wait()
		log.Info("realtime server stopped", zap.Error(err))
		return err
	},
}

func init() {
	flags := serverCmd.Flags()
	flags.StringVarP(&serverFlags.configPath, "config", "c", envOrDefault("REALTIME_CONFIG", ""), "YAML config file")
	flags.StringVar(&serverFlags.addr, "addr", "", "listen address")
	flags.StringVar(&serverFlags.dbPath, "db", "", "sqlite database path")
	flags.StringVar(&serverFlags.reconcileDelay, "reconcile-delay", "", "delay before a read flag is written back (e.g. 10s)")
	flags.StringVar(&serverFlags.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&serverFlags.redisAddr, "redis", "", "redis address for the stats mirror")
	rootCmd.AddCommand(serverCmd)
}

func applyServerFlags(cmd *cobra.Command, cfg *app.ServerConfig) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = serverFlags.addr
	}
	if flags.Changed("db") {
		cfg.DBPath = serverFlags.dbPath
	}
	if flags.Changed("reconcile-delay") {
		var delay app.Duration
		if err := delay.Set(serverFlags.reconcileDelay); err != nil {
			return err
		}
		cfg.ReconcileDelay = delay
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = serverFlags.logLevel
	}
	if flags.Changed("redis") {
		cfg.Redis.Addr = serverFlags.redisAddr
	}
	return cfg.Validate()
}
