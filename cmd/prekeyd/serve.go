package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"code.kerpass.org/prekeys/internal/config"
	"code.kerpass.org/prekeys/internal/metrics"
	"code.kerpass.org/prekeys/internal/observability"
	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/auth"
	"code.kerpass.org/prekeys/pkg/keyservice"
)

type serveFlags struct {
	seedFile string
}

func newServeCommand(root *rootFlags) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the prekey directory HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(root)
			if nil != err {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log, flags)
		},
	}
	cmd.Flags().StringVar(&flags.seedFile, "seed", "", "TOML file of accounts created at startup")

	return cmd
}

// setup loads the configuration and creates the process Logger.
func setup(root *rootFlags) (*config.Config, *zap.Logger, error) {
	var cfg *config.Config
	var err error
	if "" == root.configFile {
		cfg = &config.Config{}
		err = cfg.FixupAndValidate()
	} else {
		cfg, err = config.LoadFile(root.configFile)
	}
	if nil != err {
		return nil, nil, err
	}

	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if nil != err {
		return nil, nil, err
	}
	zap.ReplaceGlobals(log)

	return cfg, log, nil
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, flags serveFlags) error {
	be, err := openBackends(ctx, cfg, log)
	if nil != err {
		return err
	}
	defer be.Close()

	hasher, err := newTokenHasher(cfg, log)
	if nil != err {
		return err
	}

	if "" != flags.seedFile {
		seed, err := loadSeedFile(flags.seedFile)
		if nil != err {
			return err
		}
		created, err := seed.Apply(ctx, be.Directory, hasher)
		if nil != err {
			return err
		}
		log.Info("seeded directory", zap.Int("accounts", created))
	}

	handler, reg, err := newHTTPHandler(cfg, be, hasher)
	if nil != err {
		return err
	}

	servers := newServers(cfg, log, handler, reg)

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			log.Info("listening", zap.String("address", srv.Addr))
			errc <- srv.ListenAndServe()
		}()
	}

	select {
	case err = <-errc:
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("grace", cfg.Server.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); nil == err {
			err = serr
		}
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	return err
}

// newServers returns the key API server, followed by the metrics server when reg is not nil.
// Metrics are served on their own listener, never on the key API one.
func newServers(cfg *config.Config, log *zap.Logger, handler *keyservice.Handler, reg *metrics.Metrics) []*http.Server {
	router := mux.NewRouter()
	handler.Register(router)

	mw := observability.Middleware{TraceIdHeader: cfg.Server.TraceIdHeader, Logger: log}
	rv := []*http.Server{{
		Addr:              cfg.Server.Address,
		Handler:           mw.Wrap(http.TimeoutHandler(router, cfg.Server.RequestTimeout, "request timeout")),
		ReadHeaderTimeout: cfg.Server.RequestTimeout,
	}}

	if nil != reg {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle(cfg.Metrics.Path, reg.Handler()).Methods(http.MethodGet)
		rv = append(rv, &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metricsRouter,
			ReadHeaderTimeout: cfg.Server.RequestTimeout,
		})
	}

	return rv
}

// newHTTPHandler builds the keyservice Handler over the opened backends.
// The returned Metrics is nil when metrics are disabled.
func newHTTPHandler(cfg *config.Config, be *backends, hasher *auth.TokenHasher) (*keyservice.Handler, *metrics.Metrics, error) {
	updater, err := accounts.NewUpdater(be.Directory)
	if nil != err {
		return nil, nil, err
	}
	updater.MaxRetries = cfg.Updater.MaxRetries
	updater.PostCommitTimeout = cfg.Updater.PostCommitTimeout

	svc, err := keyservice.NewService(be.Keys, be.Directory, updater)
	if nil != err {
		return nil, nil, err
	}
	svc.Limiters = be.Limiters

	var reg *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg = metrics.New()
		svc.Metrics = reg
	}

	authn, err := auth.NewAuthenticator(be.Directory, hasher)
	if nil != err {
		return nil, nil, err
	}

	handler, err := keyservice.NewHandler(svc, authn)
	if nil != err {
		return nil, nil, err
	}

	return handler, reg, nil
}

// newTokenHasher returns the TokenHasher keyed by the configured seed.
func newTokenHasher(cfg *config.Config, log *zap.Logger) (*auth.TokenHasher, error) {
	seed := []byte(cfg.Auth.HashingSeed)
	if 0 == len(seed) {
		log.Warn("Auth.HashingSeed not configured, using the built in seed")
	}
	return auth.NewTokenHasher(seed)
}
