package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"code.kerpass.org/prekeys/internal/config"
	"code.kerpass.org/prekeys/internal/utils"
	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/accounts/mongodb"
	"code.kerpass.org/prekeys/pkg/keyservice"
	"code.kerpass.org/prekeys/pkg/prekeys"
	"code.kerpass.org/prekeys/pkg/prekeys/boltdb"
	"code.kerpass.org/prekeys/pkg/prekeys/pgdb"
	"code.kerpass.org/prekeys/pkg/ratelimit"
	"code.kerpass.org/prekeys/pkg/ratelimit/redislimit"
)

// backends holds the storages selected by the configuration.
type backends struct {
	Keys      prekeys.KeyStore
	Directory accounts.Directory
	Limiters  keyservice.Limiters

	closers []func()
}

// Close releases the backends in reverse opening order.
func (self *backends) Close() {
	for i := len(self.closers) - 1; i >= 0; i-- {
		self.closers[i]()
	}
	self.closers = nil
}

func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backends, error) {
	rv := &backends{}
	var err error

	rv.Keys, err = rv.openKeyStore(ctx, cfg.KeyStore)
	if nil == err {
		rv.Directory, err = rv.openDirectory(ctx, cfg.Directory)
	}
	if nil == err {
		rv.Limiters, err = rv.openLimiters(cfg.RateLimit)
	}
	if nil != err {
		rv.Close()
		return nil, err
	}

	log.Info(
		"opened backends",
		zap.String("keystore", cfg.KeyStore.Backend),
		zap.String("directory", cfg.Directory.Backend),
		zap.String("ratelimit", cfg.RateLimit.Backend),
	)
	return rv, nil
}

func (self *backends) openKeyStore(ctx context.Context, cfg *config.KeyStore) (prekeys.KeyStore, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		ks, err := pgdb.NewKeyStore(ctx, cfg.DSN)
		if nil != err {
			return nil, err
		}
		self.closers = append(self.closers, ks.Close)
		return ks, nil
	case config.BackendBolt:
		ks, err := boltdb.New(cfg.Path)
		if nil != err {
			return nil, err
		}
		self.closers = append(self.closers, func() { _ = ks.Close() })
		return ks, nil
	default:
		return prekeys.NewMemKeyStore(), nil
	}
}

func (self *backends) openDirectory(ctx context.Context, cfg *config.Directory) (accounts.Directory, error) {
	if config.BackendMongoDB != cfg.Backend {
		return accounts.NewMemDirectory(), nil
	}
	client, err := mongodb.Connect(ctx, cfg.URI)
	if nil != err {
		return nil, err
	}
	self.closers = append(self.closers, func() { _ = client.Disconnect(context.Background()) })
	return openMongoDirectory(ctx, client, cfg.Database)
}

func openMongoDirectory(ctx context.Context, client *mongo.Client, database string) (accounts.Directory, error) {
	dir, err := mongodb.NewDirectory(ctx, client.Database(database))
	if nil != err {
		return nil, err
	}
	return dir, nil
}

func (self *backends) openLimiters(cfg *config.RateLimit) (keyservice.Limiters, error) {
	var rv keyservice.Limiters
	var err error

	switch cfg.Backend {
	case config.BackendNone:
		rv.PreKeys = ratelimit.Unlimited{}
		rv.Count = ratelimit.Unlimited{}
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		self.closers = append(self.closers, func() { _ = client.Close() })
		rv.PreKeys, err = redislimit.New(client, keyservice.PreKeysLimiterName, *cfg.PreKeys)
		if nil == err {
			rv.Count, err = redislimit.New(client, keyservice.CountLimiterName, *cfg.Count)
		}
	default:
		rv.PreKeys, err = ratelimit.NewMemLimiter(*cfg.PreKeys)
		if nil == err {
			rv.Count, err = ratelimit.NewMemLimiter(*cfg.Count)
		}
	}

	if nil != err {
		return keyservice.Limiters{}, utils.WrapError(err, 0, nil, "failed creating limiters")
	}
	return rv, nil
}
