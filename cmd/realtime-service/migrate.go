package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relaychat-backend/internal/database"
	"relaychat-backend/internal/repository/cassandra"
	"relaychat-backend/internal/repository/cockroach"
	"relaychat-backend/pkg/config"
	"relaychat-backend/pkg/logger"
)

var replicationFactor int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables used by the configured drivers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if cfg.Store.Driver == config.DriverCassandra {
			if err := migrateCassandra(ctx, cfg); err != nil {
				return err
			}
		}
		if cfg.Directory.Driver == config.DriverCockroach {
			if err := migrateCockroach(ctx, cfg); err != nil {
				return err
			}
		}
		logger.Info("Migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().IntVar(&replicationFactor, "replication-factor", 1, "replication factor for a newly created keyspace")
}

func migrateCassandra(ctx context.Context, cfg *config.Config) error {
	// The keyspace may not exist yet, so the first session is unbound
	bootstrap := cassandraConfig(cfg)
	bootstrap.Keyspace = ""
	db, err := database.NewCassandraDB(bootstrap)
	if err != nil {
		return fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	stmt := fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		cfg.Cassandra.Keyspace, replicationFactor,
	)
	err = db.Session.Query(stmt).WithContext(ctx).Exec()
	db.Close()
	if err != nil {
		return fmt.Errorf("failed to create keyspace: %w", err)
	}

	db, err = database.NewCassandraDB(cassandraConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	defer db.Close()

	for _, stmt := range cassandra.Schema {
		if err := db.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply Cassandra schema: %w", err)
		}
	}
	logger.Info("Cassandra schema applied", zap.String("keyspace", cfg.Cassandra.Keyspace))
	return nil
}

func migrateCockroach(ctx context.Context, cfg *config.Config) error {
	db, err := database.NewDB(ctx, cockroachConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to CockroachDB: %w", err)
	}
	defer db.Close()

	if _, err := db.Pool.Exec(ctx, cockroach.Schema); err != nil {
		return fmt.Errorf("failed to apply CockroachDB schema: %w", err)
	}
	logger.Info("CockroachDB schema applied", zap.String("database", cfg.Database.Database))
	return nil
}
