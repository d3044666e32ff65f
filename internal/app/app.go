// Package app 用go.uber.org/fx把CU节点的全部组件装配起来：每个关注点是
// 一个fx.Provide构造器，长生命周期组件（HTTP监听、内存监控）经lifecycle
// 钩子启停，cmd/node/main.go只负责Start/Done/Stop。
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tetratelabs/wazero"
	"go.uber.org/fx"

	httpapi "github.com/weisyn/compute-unit/internal/api/http"
	"github.com/weisyn/compute-unit/internal/api/http/handlers"
	cuconfig "github.com/weisyn/compute-unit/internal/config/cu"
	logconfig "github.com/weisyn/compute-unit/internal/config/log"
	"github.com/weisyn/compute-unit/internal/core/cu/cache"
	"github.com/weisyn/compute-unit/internal/core/cu/checkpoint"
	"github.com/weisyn/compute-unit/internal/core/cu/evaluator"
	"github.com/weisyn/compute-unit/internal/core/cu/router"
	"github.com/weisyn/compute-unit/internal/core/cu/store"
	"github.com/weisyn/compute-unit/internal/core/cu/worker"
	cclog "github.com/weisyn/compute-unit/internal/core/infrastructure/log"
	"github.com/weisyn/compute-unit/internal/core/infrastructure/metrics"
	badgerstore "github.com/weisyn/compute-unit/internal/core/infrastructure/storage/badger"
	collaborators "github.com/weisyn/compute-unit/pkg/interfaces/cu"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
)

// Module 聚合CU节点所需全部构造器的fx.Module
var Module = fx.Module("compute-unit",
	fx.Provide(
		provideConfig,
		provideLogger,
		provideWazeroRuntime,
		provideModuleCache,
		provideDiskStore,
		provideGateway,
		provideLoader,
		provideInstanceCache,
		provideBadgerStore,
		provideCollaborators,
		provideProcessDirectory,
		provideScheduler,
		provideWorker,
		provideEvaluator,
		providePending,
		provideRunResolver,
		provideRouter,
		provideMetricsCounters,
		provideMemoryMonitor,
		provideMessageHandler,
		provideHTTPServer,
	),
	fx.Invoke(registerLifecycle),
)

// Overrides 承载cmd/node级别的命令行覆盖；零值表示不覆盖
type Overrides struct {
	HTTPPort          int
	DataDir           string
	GatewayURL        string
	ModuleCacheSize   int
	InstanceCacheSize int
}

func provideConfig(overrides Overrides) (*cuconfig.Config, error) {
	cfg, err := cuconfig.Load()
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(overrides.HTTPPort, overrides.DataDir, overrides.GatewayURL, overrides.ModuleCacheSize, overrides.InstanceCacheSize)
	return cfg, nil
}

func provideLogger() logiface.Logger {
	return cclog.GetLogger()
}

func provideWazeroRuntime(lc fx.Lifecycle) wazero.Runtime {
	rt := wazero.NewRuntime(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rt.Close(ctx)
		},
	})
	return rt
}

func provideModuleCache(cfg *cuconfig.Config, log logiface.Logger) (*store.ModuleCache, error) {
	return store.NewModuleCache(cfg.WasmModuleCacheMaxSize, log)
}

func provideDiskStore(cfg *cuconfig.Config, log logiface.Logger) (*store.DiskStore, error) {
	return store.NewDiskStore(cfg.WasmBinaryFileDirectory, log)
}

func provideGateway(cfg *cuconfig.Config, log logiface.Logger) collaborators.TransactionStreamer {
	return store.NewHTTPGateway(cfg.GatewayURL, http.DefaultClient, log)
}

func provideLoader(moduleCache *store.ModuleCache, disk *store.DiskStore, streamer collaborators.TransactionStreamer, rt wazero.Runtime, log logiface.Logger) *store.Loader {
	return store.NewLoader(moduleCache, disk, streamer, rt, log)
}

func provideInstanceCache(cfg *cuconfig.Config, log logiface.Logger) (*cache.InstanceCache, error) {
	return cache.NewInstanceCache(cfg.WasmInstanceCacheMaxSize, log)
}

func provideBadgerStore(cfg *cuconfig.Config, log logiface.Logger, lc fx.Lifecycle) (*badgerstore.Store, error) {
	s, err := badgerstore.Open(filepath.Join(cfg.WasmBinaryFileDirectory, "badger"), log)
	if err != nil {
		return nil, fmt.Errorf("app: 打开badger存储失败: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

func provideCollaborators(s *badgerstore.Store) collaborators.Collaborators {
	return collaborators.Collaborators{
		Saver:      s,
		DeepHashes: s,
		MemorySync: s,
	}
}

func provideProcessDirectory(cfg *cuconfig.Config, log logiface.Logger) collaborators.ProcessDirectory {
	return newHTTPProcessDirectory(cfg.GatewayURL, http.DefaultClient, log)
}

func provideScheduler(cfg *cuconfig.Config, log logiface.Logger) router.Scheduler {
	return newHTTPScheduler(cfg.GatewayURL, http.DefaultClient, log)
}

func provideWorker(loader *store.Loader, instances *cache.InstanceCache, rt wazero.Runtime, log logiface.Logger) *worker.Worker {
	return worker.New(loader, instances, rt, log)
}

func provideEvaluator(w *worker.Worker, c collaborators.Collaborators, counters *metrics.Counters) (*evaluator.Evaluator, error) {
	// evaluator的折叠决策走业务日志，与基础设施日志分流
	blog, err := cclog.NewBusiness(logconfig.New(nil))
	if err != nil {
		return nil, fmt.Errorf("app: 创建业务日志记录器失败: %w", err)
	}
	e := evaluator.New(w, c, blog)
	e.SetMetricsHooks(counters.MessagesScheduled.Inc, counters.MessagesCron.Inc, counters.MessagesError.Inc)
	return e, nil
}

func providePending() *evaluator.Pending {
	return evaluator.NewPending()
}

func provideRunResolver(directory collaborators.ProcessDirectory, memory *badgerstore.Store, cfg *cuconfig.Config) router.RunResolver {
	limits := checkpoint.Limits{
		MemoryLimitPages: cfg.ProcessMemoryMaxLimit,
		ComputeLimit:     cfg.ProcessComputeMaxLimit,
	}
	return newProcessRunResolver(directory, memory, limits)
}

func provideRouter(scheduler router.Scheduler, resolver router.RunResolver, e *evaluator.Evaluator, pending *evaluator.Pending, log logiface.Logger) *router.Router {
	return router.New(scheduler, resolver, e, pending, log)
}

func provideMetricsCounters() *metrics.Counters {
	return metrics.NewCounters(prometheus.DefaultRegisterer)
}

func provideMemoryMonitor(cfg *cuconfig.Config, log logiface.Logger) *metrics.Monitor {
	return metrics.NewMonitor(cfg.MemMonitorInterval, cfg.DumpPath, log)
}

func provideMessageHandler(r *router.Router, log logiface.Logger) *handlers.MessageHandler {
	return handlers.NewMessageHandler(r, log)
}

func provideHTTPServer(cfg *cuconfig.Config, h *handlers.MessageHandler, log logiface.Logger) *httpapi.Server {
	return httpapi.New(cfg.HTTPPort, h, log)
}

// registerLifecycle 把HTTP监听与内存监控接进fx的OnStart/OnStop，并在启动
// 前挂好缓存指标钩子
func registerLifecycle(lc fx.Lifecycle, server *httpapi.Server, monitor *metrics.Monitor, moduleCache *store.ModuleCache, instanceCache *cache.InstanceCache, counters *metrics.Counters, log logiface.Logger) {
	moduleCache.SetMetricsHooks(counters.ModuleCacheHits.Inc, counters.ModuleCacheMisses.Inc)
	instanceCache.SetMetricsHooks(counters.InstanceCacheHits.Inc, counters.InstanceCacheMisses.Inc)

	var cancelMonitor context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.Start()
			if log != nil {
				log.Infof("app: HTTP服务已启动")
			}

			var monitorCtx context.Context
			monitorCtx, cancelMonitor = context.WithCancel(context.Background())
			go monitor.Run(monitorCtx)

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancelMonitor != nil {
				cancelMonitor()
			}
			return server.Stop(ctx)
		},
	})
}

// New 构建CU节点的fx.App，供cmd/node/main.go调用Start/Done/Stop
func New(overrides Overrides, opts ...fx.Option) *fx.App {
	all := append([]fx.Option{fx.Supply(overrides), Module}, opts...)
	return fx.New(all...)
}
