package store

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewGorm opens a gorm handle for the notification tables on the same
// database the attendance repository uses.
func NewGorm(driver, dsn string, log *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}

	level := logger.Warn
	if log != nil && log.IsLevelEnabled(logrus.DebugLevel) {
		level = logger.Info
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(gormWriter{log}, logger.Config{LogLevel: level, IgnoreRecordNotFoundError: true}),
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening gorm")
	}
	if driver == DriverSQLite {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return gdb, nil
}

type gormWriter struct{ log *logrus.Logger }

func (w gormWriter) Printf(format string, args ...interface{}) {
	if w.log == nil {
		return
	}
	w.log.WithField("component", "gorm").Infof(format, args...)
}
