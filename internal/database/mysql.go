package database

import (
	"net"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/config"
	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	mysqlMaxOpenConns    = 50
	mysqlMaxIdleConns    = 25
	mysqlConnMaxLifetime = 5 * time.Minute
	// Binary collation keeps model matching case-sensitive, as on SQLite.
	mysqlTableOptions = "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin"
)

// OpenMySQL opens a pooled MySQL connection.
func OpenMySQL(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(MySQLDSN(cfg)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(mysqlMaxOpenConns)
	sqlDB.SetMaxIdleConns(mysqlMaxIdleConns)
	sqlDB.SetConnMaxLifetime(mysqlConnMaxLifetime)

	return db, nil
}

// MySQLDSN builds the driver DSN.
func MySQLDSN(cfg config.DatabaseConfig) string {
	driverConfig := mysqldriver.NewConfig()
	driverConfig.User = cfg.User
	driverConfig.Passwd = cfg.Password
	driverConfig.Net = "tcp"
	driverConfig.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	driverConfig.DBName = cfg.Name
	driverConfig.ParseTime = true
	driverConfig.Loc = time.UTC
	driverConfig.Collation = "utf8mb4_bin"
	return driverConfig.FormatDSN()
}
