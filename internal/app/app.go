package app

import (
	"context"
	"fmt"

	"klinevault/internal/config"
	"klinevault/internal/logger"
	"klinevault/internal/orchestrator"
	statushttp "klinevault/internal/transport/http/status"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→运行批量任务与状态服务。
type App struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	status  *statushttp.Server
	closers []func() error
	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run 执行一次批量任务；状态服务随任务结束而关闭。返回后 App 不可复用。
func (a *App) Run(ctx context.Context) (orchestrator.Summary, error) {
	if a == nil || a.orch == nil {
		return orchestrator.Summary{}, fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Log()
	}

	group, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if a.status != nil {
		group.Go(func() error {
			logger.Infof("✓ 状态服务监听 %s", a.status.Addr())
			// the status server is read-only; losing it never stops the batch
			if err := a.status.Start(srvCtx); err != nil {
				logger.Warnf("[app] status server stopped: %v", err)
			}
			return nil
		})
	}

	var summary orchestrator.Summary
	group.Go(func() error {
		defer stopServer()
		var err error
		summary, err = a.orch.Run(gctx)
		return err
	})

	err := group.Wait()
	return summary, err
}

// Close releases the cache, checkpoint journal and sink. Safe to call twice.
func (a *App) Close() {
	if a == nil {
		return
	}
	closeAll(a.closers)
	a.closers = nil
}

// Orchestrator exposes the underlying orchestrator (for tests and the status server).
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orch
}
