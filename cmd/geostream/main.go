package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"geostream/Store"
	"geostream/config"
	"geostream/geo"
	"geostream/layer"
	"geostream/logger"
	"geostream/provider"
	"geostream/resource"
	"geostream/scheduler"
	"geostream/tilenode"
)

const statsInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "配置文件路径（默认合并 config/config.toml 与 ./config.toml）")
	layersPath := flag.String("layers", "", "图层定义文件，覆盖配置中的 layers_file")
	frames := flag.Int("frames", 0, "运行的帧数，0 表示直到收到退出信号")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *layersPath != "" {
		cfg.LayersFile = *layersPath
	}

	lg, closer, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer closer.Close()
	logger.SetGlobalLogger(lg)
	lg.Info("geostream 启动: %s", systemInfo())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *frames, lg); err != nil {
		lg.Error("运行失败: %v", err)
		closer.Close()
		os.Exit(1)
	}
	lg.Info("geostream 已退出")
}

// engine 一次运行所需的全部组件
type engine struct {
	storage  *Store.TileStorage
	sched    *scheduler.Scheduler
	proc     *tilenode.Processor
	renderer *headlessRenderer
	released atomic.Int64
}

func newEngine(ctx context.Context, cfg *config.Config, lg logger.Logger) (*engine, error) {
	e := &engine{}
	if cfg.Store.DBDir != "" {
		dir, err := config.ResolvePath(cfg.Store.DBDir)
		if err != nil {
			return nil, err
		}
		e.storage, err = Store.NewTileStorage(Store.TileStorageConfig{
			Backend:            Store.StorageBackend(cfg.Store.Backend),
			DBDir:              dir,
			RedisAddr:          cfg.Store.RedisAddr,
			CacheExpiration:    cfg.Store.CacheTTL(),
			EnableCache:        cfg.Store.EnableCache,
			EnableAsyncPersist: cfg.Store.EnableAsyncPersist,
			Logger:             lg,
		})
		if err != nil {
			return nil, fmt.Errorf("打开瓦片存储失败: %w", err)
		}
		logDiskUsage(lg, dir)
	}

	fetcher, err := provider.NewFetcher(provider.FetcherConfig{
		Timeout:         cfg.HTTP.TimeoutDuration(),
		UserAgent:       cfg.HTTP.UserAgent,
		EnableHTTP2:     cfg.HTTP.EnableHTTP2,
		TLSFingerprint:  cfg.HTTP.TLSFingerprint,
		MaxConnsPerHost: cfg.Scheduler.MaxConnsPerHost,
		Storage:         e.storage,
		Logger:          lg,
	})
	if err != nil {
		e.close()
		return nil, err
	}

	arena := resource.NewArena(func(resource.Resource) { e.released.Add(1) })
	e.sched = scheduler.New(scheduler.Config{
		MaxConnsPerHost: cfg.Scheduler.MaxConnsPerHost,
		MaxConnections:  cfg.Scheduler.MaxConnections,
	}, lg)
	for name, p := range map[string]scheduler.Provider{
		provider.ProtocolTMS:      provider.NewTMS(fetcher, arena, lg),
		provider.ProtocolWMS:      provider.NewWMS(fetcher, arena, lg),
		provider.ProtocolGeometry: provider.NewGeometryBuilder(arena, lg),
	} {
		if err := e.sched.AddProtocolProvider(name, p); err != nil {
			e.close()
			return nil, err
		}
	}

	e.renderer = newHeadlessRenderer(lg)
	view := newScriptedView(cfg.View.Lon, cfg.View.Lat, cfg.View.TargetZoom)
	e.proc = tilenode.New(tilenode.Config{GeometryPriority: cfg.Scheduler.GeometryPriority, Logger: lg},
		e.sched, arena, e.renderer, view)

	warm, err := e.addLayers(cfg.LayersFile, lg)
	if err != nil {
		e.close()
		return nil, err
	}
	if e.storage != nil && cfg.Store.EnableCache {
		if err := e.storage.WarmupCache(ctx, warm); err != nil {
			lg.Warn("预热瓦片缓存失败: %v", err)
		}
	}
	if _, err := e.proc.AddRoot(ctx, geo.TileAddress{}.Extent()); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// addLayers 逐个加入图层；单个颜色或高程图层配置错误只记录并跳过。
// 返回瓦片化图层根瓦片的存储键，用于预热缓存
func (e *engine) addLayers(path string, lg logger.Logger) ([]Store.TileKey, error) {
	resolved, err := config.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	layers, err := config.LoadLayers(resolved)
	if err != nil {
		return nil, err
	}
	var warm []Store.TileKey
	root := geo.TileAddress{}.Extent()
	for _, l := range layers {
		if err := e.proc.AddLayer(l); err != nil {
			if l.Kind == layer.KindGeometry {
				return nil, err
			}
			lg.Warn("跳过图层 %s: %v", l.ID, err)
			continue
		}
		if l.Kind != layer.KindGeometry && l.Tiled {
			warm = append(warm, Store.KeyForExtent(l.ID, root, 0))
		}
	}
	return warm, nil
}

// close 关闭顺序：调度器先结算全部命令，再释放瓦片资源，最后关闭存储
func (e *engine) close() {
	if e.sched != nil {
		e.sched.Close()
	}
	if e.proc != nil {
		e.proc.Close()
	}
	if e.storage != nil {
		if err := e.storage.Close(); err != nil {
			logger.Error("关闭瓦片存储失败: %v", err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, frames int, lg logger.Logger) error {
	e, err := newEngine(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer e.close()

	hs, err := newHealthServer(cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	lg.Info("健康检查服务监听 %s", hs.Addr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hs.Serve(gctx) })
	g.Go(func() error {
		defer cancel()
		hs.SetServing(true)
		defer hs.SetServing(false)
		return e.loop(gctx, cfg.View.Interval(), frames, lg)
	})
	return g.Wait()
}

// loop 按固定间隔驱动帧更新，直到 ctx 结束、达到帧数或细分出现致命错误
func (e *engine) loop(ctx context.Context, interval time.Duration, frames int, lg logger.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastStats := time.Now()

	for frame := 1; frames == 0 || frame <= frames; frame++ {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := e.proc.Update(ctx, now); err != nil {
				return fmt.Errorf("第 %d 帧: %w", frame, err)
			}
			if now.Sub(lastStats) >= statsInterval {
				e.logStats(lg)
				lastStats = now
			}
		}
	}
	e.logStats(lg)
	return nil
}

func (e *engine) logStats(lg logger.Logger) {
	st := e.proc.Stats()
	lg.Info("瓦片 %d 显示 %d 细分中 %d 进行中命令 %d 材质 %d 绑定 %d 已释放资源 %d",
		st.Nodes, st.Displayed, st.Pending, st.InFlight,
		e.renderer.materials.Load(), e.renderer.bindings.Load(), e.released.Load())
	for _, q := range e.sched.HostStats() {
		host := q.Host
		if host == "" {
			host = "(default)"
		}
		lg.Info("队列 %s: 执行中 %d 等待 %d 完成 %d 失败 %d 取消 %d",
			host, q.Executing, q.Waiting, q.Executed, q.Failed, q.Cancelled)
	}
	if failed := e.sched.ResetCommandsCount(scheduler.CounterFailed); failed > 0 {
		lg.Warn("最近 %s 内失败命令 %d", statsInterval, failed)
	}
	if e.storage != nil {
		if n := e.storage.GetPendingPersistCount(); n > 0 {
			lg.Debug("等待持久化 %d", n)
		}
	}
}
