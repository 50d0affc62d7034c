package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"code.kerpass.org/prekeys/internal/config"
	"code.kerpass.org/prekeys/pkg/accounts/mongodb"
	"code.kerpass.org/prekeys/pkg/prekeys/pgdb"
)

func newMigrateCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schemas of the configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(root)
			if nil != err {
				return err
			}
			defer log.Sync()
			ctx := cmd.Context()

			if config.BackendPostgres == cfg.KeyStore.Backend {
				ks, err := pgdb.NewKeyStore(ctx, cfg.KeyStore.DSN)
				if nil != err {
					return err
				}
				defer ks.Close()
				if err = pgdb.KeyStoreMigrate(ctx, ks.DB, cfg.KeyStore.Schema); nil != err {
					return err
				}
				log.Info("migrated keystore", zap.String("schema", cfg.KeyStore.Schema))
			}

			if config.BackendMongoDB == cfg.Directory.Backend {
				client, err := mongodb.Connect(ctx, cfg.Directory.URI)
				if nil != err {
					return err
				}
				defer client.Disconnect(ctx)
				if _, err = openMongoDirectory(ctx, client, cfg.Directory.Database); nil != err {
					return err
				}
				log.Info("migrated directory", zap.String("database", cfg.Directory.Database))
			}

			return nil
		},
	}
}
