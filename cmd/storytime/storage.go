package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/storytime/internal/config"
	"github.com/mihaimyh/storytime/pkg/engine"
	badgerstore "github.com/mihaimyh/storytime/storage/badger"
	firestorestore "github.com/mihaimyh/storytime/storage/firestore"
	"github.com/mihaimyh/storytime/storage/memory"
	"github.com/mihaimyh/storytime/storage/postgres"
	redisstore "github.com/mihaimyh/storytime/storage/redis"
	"github.com/mihaimyh/storytime/storage/tiered"
)

// openStorage builds the configured backend. The returned closers release it
// and run in reverse order.
func openStorage(ctx context.Context, cfg config.Config, log engine.Logger) (engine.Storage, []func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil, nil

	case config.BackendBadger:
		bcfg := badgerstore.DefaultConfig(cfg.BadgerPath)
		bcfg.Logger = log
		s, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return s, []func() error{s.Close}, nil

	case config.BackendRedis:
		s, err := openRedis(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return s, []func() error{s.Close}, nil

	case config.BackendPostgres:
		s, err := openPostgres(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return s, []func() error{closeErrless(s.Close)}, nil

	case config.BackendFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestorestore.New(client, firestorestore.Config{Logger: log})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, []func() error{client.Close}, nil

	case config.BackendTiered:
		hot, err := openRedis(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		cold, err := openPostgres(ctx, cfg, log)
		if err != nil {
			_ = hot.Close()
			return nil, nil, err
		}
		s, err := tiered.New(tiered.Config{
			Hot:            hot,
			Cold:           cold,
			AsyncQuotaSync: true,
			AsyncErrorHandler: func(err error) {
				log.Error("failed to sync quota to cold storage", engine.Field{Key: "error", Value: err})
			},
		})
		if err != nil {
			_ = hot.Close()
			cold.Close()
			return nil, nil, err
		}
		// tiered drains its queue into cold before the stores close
		return s, []func() error{closeErrless(cold.Close), hot.Close, s.Close}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func openRedis(cfg config.Config, log engine.Logger) (*redisstore.Storage, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rcfg := redisstore.DefaultConfig()
	rcfg.Logger = log
	s, err := redisstore.New(client, rcfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func openPostgres(ctx context.Context, cfg config.Config, log engine.Logger) (*postgres.Storage, error) {
	pcfg := postgres.DefaultConfig()
	pcfg.ConnectionString = cfg.PostgresDSN
	pcfg.Logger = log
	return postgres.New(ctx, pcfg)
}

func closeErrless(fn func()) func() error {
	return func() error {
		fn()
		return nil
	}
}
