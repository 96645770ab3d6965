package main

import (
	"fmt"
	"io"

	"gorm.io/gorm"

	"wirtbot/pkg/config"
	"wirtbot/pkg/db"
	"wirtbot/pkg/logging"
	"wirtbot/pkg/store"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore returns the configured snapshot backend. The gorm handle is set
// for the mysql backend, which also stores the API users.
func openStore(c config.Store) (store.SnapshotStore, *gorm.DB, io.Closer, error) {
	switch c.Backend {
	case "memory":
		logging.Warnf("memory store selected; the topology is lost on restart")
		return store.NewMemoryStore(), nil, nopCloser{}, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(c.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, s, nil
	case "mysql":
		gdb, err := db.Init(c.MySQLDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mysql: %w", err)
		}
		s, err := store.NewGormStore(gdb)
		if err != nil {
			return nil, nil, nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, nil, nil, err
		}
		return s, gdb, sqlDB, nil
	case "consul":
		return store.NewConsulStore(c.ConsulAddr), nil, nopCloser{}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store backend: %s", c.Backend)
	}
}
