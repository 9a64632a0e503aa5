package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat-backend/internal/database"
	"relaychat-backend/internal/directory"
	"relaychat-backend/internal/domain"
	"relaychat-backend/internal/repository/cassandra"
	"relaychat-backend/internal/repository/cockroach"
	"relaychat-backend/internal/repository/memory"
	redisRepo "relaychat-backend/internal/repository/redis"
	"relaychat-backend/internal/service/call"
	"relaychat-backend/internal/service/chat"
	"relaychat-backend/internal/service/presence"
	"relaychat-backend/pkg/config"
	"relaychat-backend/pkg/constants"
	"relaychat-backend/pkg/env"
	"relaychat-backend/pkg/logger"
)

// callLog is what both call log drivers provide
type callLog interface {
	call.CallLog
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
}

// backends holds the storage the realtime core runs on
type backends struct {
	store     chat.MessageStore
	directory directory.Source
	calls     callLog

	// editor is set only when the directory lives in this process
	editor *memory.Directory
	// directoryDB is set when the directory lives in CockroachDB
	directoryDB *database.DB

	// presence stays a nil interface without Redis
	presence     presence.Store
	invalidation []directory.InvalidationSource
	redis        *database.RedisClient

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func cassandraConfig(cfg *config.Config) *database.CassandraConfig {
	return &database.CassandraConfig{
		Hosts:       cfg.Cassandra.Hosts,
		Keyspace:    cfg.Cassandra.Keyspace,
		Username:    env.GetStringFromFile("CASSANDRA_USER", ""),
		Password:    env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
		Consistency: cfg.Cassandra.Consistency,
		Timeout:     cfg.Cassandra.Timeout,
	}
}

func cockroachConfig(cfg *config.Config) *database.DBConfig {
	return &database.DBConfig{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		User:              cfg.Database.User,
		Password:          cfg.Database.Password,
		Database:          cfg.Database.Database,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		ConnMaxLifetime:   constants.MaxConnLifetime,
		ConnMaxIdleTime:   constants.MaxConnIdleTime,
		HealthCheckPeriod: constants.HealthCheckPeriod,
	}
}

// openBackends connects to every configured backend. On error the backends
// opened so far are closed.
func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	// 1. Message store
	switch cfg.Store.Driver {
	case config.DriverCassandra:
		db, err := database.NewCassandraDB(cassandraConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		b.store = cassandra.NewMessageRepository(db)
		logger.Info("Connected to Cassandra", zap.Strings("hosts", cfg.Cassandra.Hosts))
	default:
		b.store = memory.NewMessageStore()
		logger.Warn("Using the in-memory message store; history is lost on restart")
	}

	// 2. Conversation directory and call log
	switch cfg.Directory.Driver {
	case config.DriverCockroach:
		db, err := database.NewDB(ctx, cockroachConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to CockroachDB: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		b.directoryDB = db
		b.directory = cockroach.NewConversationRepository(db.Pool)
		b.calls = cockroach.NewCallRepository(db.Pool)
		logger.Info("Connected to CockroachDB", zap.String("host", cfg.Database.Host))
	default:
		dir := memory.NewDirectory()
		b.directory = dir
		b.editor = dir
		b.invalidation = append(b.invalidation, dir)
		b.calls = memory.NewCallLog()
		logger.Warn("Using the in-memory conversation directory")
	}

	// 3. Redis (optional)
	if cfg.Redis.Enabled {
		client := database.NewRedisDB(&database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.redis = client

		presenceRepo := redisRepo.NewPresenceRepository(client)
		resetCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := presenceRepo.Reset(resetCtx); err != nil {
			logger.Warn("Failed to clear stale presence", zap.Error(err))
		}
		cancel()

		b.presence = presenceRepo
		b.invalidation = append(b.invalidation, redisRepo.NewMembershipEvents(client))
		logger.Info("Redis enabled", zap.String("addr", cfg.Redis.RedisAddr()))
	}

	return b, nil
}
