package database

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

// Connect opens the audit database and migrates its tables.
// Driver postgres uses the postgres credential, sqlite the DSN.
func Connect(ctx context.Context, conf config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch conf.Driver {
	case "postgres":
		dialector = postgres.Open(conf.Postgres.Dsn())
	case "sqlite", "":
		dialector = sqlite.Open(conf.DSN)
	default:
		return nil, errors.Errorf("unknown database driver %q", conf.Driver)
	}
	cli, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}

	db, err := cli.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get database conn")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}
	log.Infof("Connected to %s audit database...", dialector.Name())

	if err := cli.WithContext(ctx).AutoMigrate(&WalletVerification{}); err != nil {
		return nil, errors.Wrap(err, "autoMigrate tables")
	}
	return cli, nil
}

// Close releases the pool behind cli.
func Close(cli *gorm.DB) {
	db, err := cli.DB()
	if err != nil {
		return
	}
	if err := db.Close(); err != nil {
		log.Warnf("close database: %v", err)
	}
}
