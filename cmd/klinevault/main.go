package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"klinevault/internal/app"
	"klinevault/internal/config"
	"klinevault/internal/logger"
)

const (
	exitOK       = 0
	exitFailures = 1
	exitConfig   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("KLINEVAULT_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("读取配置失败: %v", err)
		return exitConfig
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Printf("初始化日志文件失败: %v", err)
		return exitConfig
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，任务=%d 币种 × %d 周期）", cfg.App.Env, len(cfg.Jobs.Symbols), len(cfg.Jobs.Timeframes))

	a, err := app.NewApp(cfg)
	if err != nil {
		logger.Errorf("初始化应用失败: %v", err)
		if errors.Is(err, config.ErrInvalid) {
			return exitConfig
		}
		return exitFailures
	}
	summary, err := a.Run(ctx)
	if err != nil {
		logger.Errorf("运行中断: %v", err)
		return exitFailures
	}
	if !summary.OK() {
		logger.Warnf("%s", summary.Line())
		return exitFailures
	}
	return exitOK
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
