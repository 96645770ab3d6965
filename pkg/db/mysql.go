package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wirtbot/pkg/model"
)

// Init connects to MySQL and migrates the user table. An empty dsn is built
// from the environment:
//
//	MYSQL_DSN or MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB
func Init(dsn string) (*gorm.DB, error) {
	_ = loadDotEnv()
	c := fromEnv()
	if dsn == "" {
		dsn = os.Getenv("MYSQL_DSN")
	}
	if dsn == "" {
		dsn = c.dsn(c.name)
	}

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil && strings.Contains(err.Error(), "Unknown database") {
		if cerr := createDatabase(c); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		db, err = gorm.Open(mysql.Open(dsn), cfg)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	if err := db.AutoMigrate(&model.User{}); err != nil {
		return nil, err
	}
	return db, nil
}

type conn struct {
	host, port, user, pass, name string
}

func fromEnv() conn {
	return conn{
		host: getenv("MYSQL_HOST", "127.0.0.1"),
		port: getenv("MYSQL_PORT", "3306"),
		user: getenv("MYSQL_USER", "root"),
		pass: getenv("MYSQL_PASS", ""),
		name: getenv("MYSQL_DB", "wirtbot"),
	}
}

func (c conn) dsn(database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", c.user, c.pass, c.host, c.port, database)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func createDatabase(c conn) error {
	db, err := sql.Open("mysql", c.dsn(""))
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", c.name))
	return err
}
