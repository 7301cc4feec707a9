package Store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"geostream/logger"
)

// StorageBackend 持久化后端类型
type StorageBackend string

const (
	BackendBBolt  StorageBackend = "bbolt"
	BackendSQLite StorageBackend = "sqlite"
)

// TileStorageConfig 载荷存储配置
type TileStorageConfig struct {
	// 持久化后端（bbolt 或 sqlite）
	Backend StorageBackend
	// 持久化数据库目录
	DBDir string
	// Redis 地址，EnableCache 时为空则使用 localhost:6379
	RedisAddr string
	// Redis 缓存过期时间（0 表示永不过期）
	CacheExpiration time.Duration
	EnableCache     bool
	// 异步持久化：先写 Redis，后台批量落盘。要求 EnableCache
	EnableAsyncPersist bool
	// 异步持久化批次大小（默认 100）
	PersistBatchSize int
	// 异步持久化间隔（默认 5 秒）
	PersistInterval time.Duration
	// 持久化成功后是否清理 Redis，nil 表示默认 true
	ClearRedisAfterPersist *bool
	Logger                 logger.Logger
}

// persistence 落盘后端
type persistence interface {
	Put(key TileKey, value []byte) error
	PutBatch(records map[TileKey][]byte) error
	Get(key TileKey) ([]byte, error)
	Delete(key TileKey) error
	Close() error
}

// TileStorage 载荷存储（Redis 前置缓存 + bbolt/sqlite 持久化）
type TileStorage struct {
	config TileStorageConfig
	store  persistence
	cache  *RedisCache
	log    logger.Logger

	persistQueue chan persistTask
	persistWg    sync.WaitGroup
	pending      atomic.Int64
	closeOnce    sync.Once
}

type persistTask struct {
	key   TileKey
	value []byte
}

// NewTileStorage 校验配置并打开后端
func NewTileStorage(config TileStorageConfig) (*TileStorage, error) {
	if config.DBDir == "" {
		return nil, errors.New("DBDir 不能为空")
	}
	if config.EnableAsyncPersist && !config.EnableCache {
		return nil, errors.New("异步持久化模式必须启用 Redis 缓存")
	}

	ts := &TileStorage{config: config, log: logger.WithPrefix(config.Logger, "store")}
	switch config.Backend {
	case BackendBBolt:
		ts.store = NewBBoltManager(config.DBDir)
	case BackendSQLite:
		ts.store = NewSQLiteManager(config.DBDir)
	default:
		return nil, fmt.Errorf("不支持的后端类型: %s", config.Backend)
	}

	if config.EnableCache {
		cache, err := NewRedisCache(config.RedisAddr, config.CacheExpiration)
		if err != nil {
			return nil, err
		}
		ts.cache = cache
	}

	if config.EnableAsyncPersist {
		if ts.config.PersistBatchSize <= 0 {
			ts.config.PersistBatchSize = 100
		}
		if ts.config.PersistInterval <= 0 {
			ts.config.PersistInterval = 5 * time.Second
		}
		if ts.config.ClearRedisAfterPersist == nil {
			v := true
			ts.config.ClearRedisAfterPersist = &v
		}
		ts.persistQueue = make(chan persistTask, ts.config.PersistBatchSize*10)
		ts.startPersistWorker()
	}
	return ts, nil
}

// startPersistWorker 批次满或定时器触发时落盘
func (ts *TileStorage) startPersistWorker() {
	ts.persistWg.Add(1)
	go func() {
		defer ts.persistWg.Done()
		ticker := time.NewTicker(ts.config.PersistInterval)
		defer ticker.Stop()

		batch := make(map[TileKey][]byte)
		flush := func() {
			if len(batch) == 0 {
				return
			}
			n := int64(len(batch))
			if err := ts.store.PutBatch(batch); err != nil {
				ts.log.Error("批量持久化 %d 条失败: %v", n, err)
			} else if *ts.config.ClearRedisAfterPersist {
				keys := make([]TileKey, 0, len(batch))
				for k := range batch {
					keys = append(keys, k)
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := ts.cache.Delete(ctx, keys...); err != nil {
					ts.log.Warn("持久化后清理缓存失败: %v", err)
				}
				cancel()
			}
			ts.pending.Add(-n)
			batch = make(map[TileKey][]byte)
		}

		for {
			select {
			case task, ok := <-ts.persistQueue:
				if !ok {
					flush()
					return
				}
				if _, dup := batch[task.key]; dup {
					ts.pending.Add(-1)
				}
				batch[task.key] = task.value
				if len(batch) >= ts.config.PersistBatchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()
}

// Put 写入载荷。异步模式先写 Redis 再排队落盘，同步模式先落盘再写缓存
func (ts *TileStorage) Put(ctx context.Context, key TileKey, value []byte) error {
	if ts.config.EnableAsyncPersist {
		if err := ts.cache.Put(ctx, key, value); err != nil {
			return fmt.Errorf("Redis 写入失败: %w", err)
		}
		ts.pending.Add(1)
		select {
		case ts.persistQueue <- persistTask{key: key, value: value}:
		default:
			ts.pending.Add(-1)
			ts.log.Warn("持久化队列已满，%s 仅保留在缓存中", key)
		}
		return nil
	}

	if err := ts.store.Put(key, value); err != nil {
		return fmt.Errorf("持久化写入失败: %w", err)
	}
	if ts.cache != nil {
		if err := ts.cache.Put(ctx, key, value); err != nil {
			ts.log.Debug("缓存写入失败 %s: %v", key, err)
		}
	}
	return nil
}

// PutBatch 批量写入（先持久化再写缓存）
func (ts *TileStorage) PutBatch(ctx context.Context, records map[TileKey][]byte) error {
	if err := ts.store.PutBatch(records); err != nil {
		return fmt.Errorf("持久化批量写入失败: %w", err)
	}
	if ts.cache != nil {
		if err := ts.cache.PutBatch(ctx, records); err != nil {
			ts.log.Debug("缓存批量写入失败: %v", err)
		}
	}
	return nil
}

// Get 先查缓存，未命中则查持久化并回填缓存。不存在时返回 ErrNotFound
func (ts *TileStorage) Get(ctx context.Context, key TileKey) ([]byte, error) {
	if ts.cache != nil {
		if data, err := ts.cache.Get(ctx, key); err == nil {
			return data, nil
		}
	}
	data, err := ts.store.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("持久化读取失败: %w", err)
	}
	if ts.cache != nil && len(data) > 0 {
		if err := ts.cache.Put(ctx, key, data); err != nil {
			ts.log.Debug("回填缓存失败 %s: %v", key, err)
		}
	}
	return data, nil
}

// Exists 先查缓存再查持久化
func (ts *TileStorage) Exists(ctx context.Context, key TileKey) (bool, error) {
	if ts.cache != nil {
		if ok, err := ts.cache.Exists(ctx, key); err == nil && ok {
			return true, nil
		}
	}
	_, err := ts.store.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Delete 同时删除缓存和持久化数据
func (ts *TileStorage) Delete(ctx context.Context, key TileKey) error {
	if ts.cache != nil {
		_ = ts.cache.Delete(ctx, key)
	}
	if err := ts.store.Delete(key); err != nil {
		return fmt.Errorf("持久化删除失败: %w", err)
	}
	return nil
}

// InvalidateCache 清除缓存，下次读取从持久化加载
func (ts *TileStorage) InvalidateCache(ctx context.Context, key TileKey) error {
	if ts.cache == nil {
		return nil
	}
	return ts.cache.Delete(ctx, key)
}

// WarmupCache 从持久化加载到缓存，跳过不存在的键
func (ts *TileStorage) WarmupCache(ctx context.Context, keys []TileKey) error {
	if ts.cache == nil {
		return errors.New("缓存未启用")
	}
	for _, k := range keys {
		data, err := ts.store.Get(k)
		if err != nil {
			continue
		}
		if err := ts.cache.Put(ctx, k, data); err != nil {
			return err
		}
	}
	return nil
}

// GetPendingPersistCount 尚未落盘的异步写入数
func (ts *TileStorage) GetPendingPersistCount() int {
	return int(ts.pending.Load())
}

// Close 刷新异步队列后关闭全部连接
func (ts *TileStorage) Close() error {
	var errs []error
	ts.closeOnce.Do(func() {
		if ts.persistQueue != nil {
			close(ts.persistQueue)
			ts.persistWg.Wait()
		}
		if ts.cache != nil {
			if err := ts.cache.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := ts.store.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
