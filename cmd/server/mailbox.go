package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/config"
	"github.com/roomrelay/relay/internal/db"
	"github.com/roomrelay/relay/internal/mailbox"
	"github.com/roomrelay/relay/internal/mailbox/badgerstore"
	"github.com/roomrelay/relay/internal/mailbox/pgstore"
	"github.com/roomrelay/relay/internal/mailbox/redisstore"
	"github.com/roomrelay/relay/internal/mailbox/sqlitestore"
)

// openMailbox opens the store selected by cfg.Driver.
func openMailbox(ctx context.Context, cfg config.MailboxConfig, log zerolog.Logger) (mailbox.Mailbox, error) {
	switch cfg.Driver {
	case config.DriverBadger:
		return badgerstore.Open(badgerstore.Options{
			Dir:    cfg.BadgerDir,
			Logger: log,
		})

	case config.DriverRedis:
		return redisstore.Open(ctx, redisstore.Options{
			URL:       cfg.RedisURL,
			Namespace: cfg.RedisNamespace,
			Logger:    log,
		})

	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqlitestore.New(sqlDB, log, nil), nil

	case config.DriverPostgres:
		return pgstore.Open(ctx, pgstore.Options{
			DatabaseURL: cfg.DatabaseURL,
			Logger:      log,
		})

	default:
		return nil, fmt.Errorf("unknown mailbox driver %q", cfg.Driver)
	}
}
