// =============================================================================
// Axon 主入口
// =============================================================================
// 多 Agent 协调服务入口点，包含 HTTP API、健康检查、Prometheus 指标与数据库迁移
//
// 使用方法:
//
//	axon serve                       # 启动服务
//	axon serve --config config.yaml  # 指定配置文件
//	axon migrate up                  # 运行数据库迁移
//	axon migrate status              # 查看迁移状态
//	axon sweep                       # 立即执行一次无响应巡检
//	axon health                      # 健康检查
//	axon version                     # 显示版本信息
// =============================================================================

// @title Axon Coordination API
// @version 1.0.0
// @description Task lifecycle, workflow and handoff coordination for autonomous agents.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	axon "github.com/janreges/axon-mcp-sub003"
	"github.com/janreges/axon-mcp-sub003/config"
	"github.com/janreges/axon-mcp-sub003/internal/migration"
	"github.com/janreges/axon-mcp-sub003/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "sweep":
		err = runSweep(os.Args[2:])
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "axon %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Axon",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("store", cfg.Store.Type),
	)

	server := NewServer(cfg, logger)
	if err := server.Start(context.Background()); err != nil {
		server.Shutdown()
		return err
	}
	server.WaitForShutdown()

	logger.Info("Axon stopped")
	return nil
}

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite3)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	fs.Usage = printMigrateUsage

	command, rest := "up", args
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, rest = args[0], args[1:]
	}
	if command == "help" {
		printMigrateUsage()
		return nil
	}

	// 数字参数（steps/goto/force）位于 flag 之前，可以为负数
	var operands []string
	for len(rest) > 0 && isOperand(rest[0]) {
		operands = append(operands, rest[0])
		rest = rest[1:]
	}
	_ = fs.Parse(rest)

	logger := zap.NewNop()
	var (
		migrator *migration.DefaultMigrator
		err      error
	)
	if *dbType != "" && *dbURL != "" {
		migrator, err = migration.NewMigratorFromURL(*dbType, *dbURL, logger)
	} else {
		loader := config.NewLoader()
		if *configPath != "" {
			loader = loader.WithConfigPath(*configPath)
		}
		cfg, loadErr := loader.Load()
		if loadErr != nil {
			return fmt.Errorf("load config: %w", loadErr)
		}
		if *dbType != "" {
			cfg.Database.Driver = *dbType
		}
		migrator, err = migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	return migration.NewCLI(migrator).Run(context.Background(), command, append(operands, fs.Args()...))
}

func isOperand(arg string) bool {
	if !strings.HasPrefix(arg, "-") {
		return true
	}
	_, err := strconv.Atoi(arg)
	return err == nil
}

func printMigrateUsage() {
	fmt.Println(`axon migrate - manage the coordination schema

Usage:
  axon migrate [command] [number] [--config path | --db-type t --db-url u]

Commands (default: up):
  up               apply every pending schema change
  down             revert the newest schema change
  reset            revert all schema changes
  steps <n>        apply n changes, or revert |n| when n is negative
  goto <version>   move the schema to exactly <version>
  force <version>  record <version> without running SQL (repairs a dirty schema)
  status           list schema changes and tables still missing
  info             print a short schema summary
  version          print the applied schema version

Flags:
  --config   YAML config file; database settings are read from it
  --db-type  postgres, mysql or sqlite3; overrides the config driver
  --db-url   connection URL; with --db-type, skips the config file`)
}

// =============================================================================
// 🧹 sweep 命令
// =============================================================================

// runSweep 对配置的存储执行一次无响应巡检，供 cron 等外部调度使用
func runSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	backends, err := openBackends(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer backends.close(logger)

	coord, err := axon.New(backends.store, axon.ConfigFrom(cfg), logger)
	if err != nil {
		_ = backends.store.Close()
		return err
	}
	defer coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Coordination.SweepRunTimeout)
	defer cancel()
	swept := coord.SweepUnresponsive(ctx)
	for _, a := range swept {
		fmt.Printf("%s\t%s\n", a.Name, a.LastHeartbeat.Format(time.RFC3339))
	}
	fmt.Printf("%d agent(s) marked unresponsive\n", len(swept))
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check /ready instead of /health")
	_ = fs.Parse(args)

	path := "/health"
	if *ready {
		path = "/ready"
	}

	client := tlsutil.HTTPClient(5 * time.Second)
	resp, err := client.Get(strings.TrimRight(*addr, "/") + path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Println("OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("Axon %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Axon - multi-agent coordination server

Usage:
  axon <command> [options]

Commands:
  serve     Start the Axon server
  migrate   Database migration commands
  sweep     Mark agents with stale heartbeats unresponsive
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve' and 'sweep':
  --config <path>   Path to configuration file (YAML)

Examples:
  axon serve --config /etc/axon/config.yaml
  axon migrate up --config /etc/axon/config.yaml
  axon migrate steps -1
  axon health --addr https://axon.internal:8443 --ready
  axon version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
