package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// =============================================================================
// 🔌 方言选择
// =============================================================================

// 支持的驱动名
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"  // 纯 Go 实现（glebarez）
	DriverSQLite3  = "sqlite3" // cgo 实现（mattn）
)

// sqliteBusyTimeoutMillis SQLite 写锁等待时间
const sqliteBusyTimeoutMillis = 5000

// Dialector 根据驱动名构造 GORM 方言
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required for driver %q", driver)
	}

	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql":
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite:
		return sqlite.Open(withSQLitePragmas(dsn, "_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)")), nil
	case DriverSQLite3:
		return gormsqlite.Open(withSQLitePragmas(dsn, "_busy_timeout=%d&_foreign_keys=on")), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Open 打开数据库并包装为 PoolManager
func Open(driver, dsn string, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if config.Name == "" {
		config.Name = strings.ToLower(driver)
	}

	pm, err := NewPoolManager(db, config, logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return pm, nil
}

// withSQLitePragmas 为未显式配置的 SQLite DSN 附加忙等待与外键参数
func withSQLitePragmas(dsn, pragmas string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + fmt.Sprintf(pragmas, sqliteBusyTimeoutMillis)
}
