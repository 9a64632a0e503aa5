package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relaychat-backend/pkg/config"
	"relaychat-backend/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "realtime-service",
	Short: "Realtime messaging, presence and call signaling",
	Long: `realtime-service terminates client WebSocket connections and runs the
realtime core: connection registry, presence, typing indicators, conversation
rooms, message delivery and call signaling.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

// loadConfig reads .env when present, then the config file and environment,
// and initializes the global logger
func loadConfig() (*config.Config, error) {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  cfg.Server.ServiceName,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func main() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
