package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pair_sync/internal/config"
	identityRepo "pair_sync/internal/repository/identity"
	"pair_sync/internal/service/auth"
	"pair_sync/internal/service/directory"
	"pair_sync/internal/service/pairing"
	"pair_sync/internal/service/presence"
	redisSvc "pair_sync/internal/service/redis"
	"pair_sync/internal/service/server"
	"pair_sync/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	store, closeStore, err := initStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer closeStore()

	dir := directory.New(store)
	if err := dir.Load(ctx); err != nil {
		return fmt.Errorf("load identities: %w", err)
	}

	var pairingStore pairing.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisService := redisSvc.NewRedis(rdb)
		defer redisService.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisService.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		pairingStore = pairing.NewRedisStore(redisService)
	}

	mgr := pairing.NewManager(dir, pairingStore)
	mgr.Restore(ctx)

	if cfg.Credential.Secret == "" {
		log.Warn("no credential secret configured, credentials will not survive a restart")
	}
	creds, err := auth.NewCredentials(cfg.Credential.Secret, cfg.Credential.TTL)
	if err != nil {
		return fmt.Errorf("init credentials: %w", err)
	}

	registry := presence.NewRegistry(dir, presence.Config{
		SweepInterval:  cfg.Presence.SweepInterval,
		OfflineTimeout: cfg.Presence.OfflineTimeout,
	})

	s := server.NewHttpServer(server.Options{
		Addr:           cfg.Addr,
		MaxConnections: cfg.MaxConnections,
		OfflineTimeout: cfg.Presence.OfflineTimeout,
	}, dir, mgr, auth.NewGate(creds, dir), registry)
	return s.Run(ctx)
}

// initStore opens the identity store backend. The memory backend keeps
// identities for the lifetime of the process only.
func initStore(ctx context.Context, cfg config.StoreConfig) (directory.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendMongo:
		client, err := initMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		}
		return identityRepo.NewMongoRepo(client.Database(cfg.Mongo.Database)), closeFn, nil
	case config.BackendLevelDB:
		repo, err := identityRepo.NewLevelRepo(cfg.LevelDB.Path)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
