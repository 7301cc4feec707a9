package Store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"geostream/geo"
)

func newMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("无法启动内嵌 Redis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func tiledKey(layerID string, z, r, c uint32) TileKey {
	a := geo.TileAddress{Zoom: z, Row: r, Col: c}
	return KeyForExtent(layerID, a.Extent(), int(z))
}

func TestKeyForExtent(t *testing.T) {
	k1 := tiledKey("osm", 3, 2, 3)
	if k1.ID != (geo.TileAddress{Zoom: 3, Row: 2, Col: 3}).QuadKey().Uint64() {
		t.Errorf("瓦片化键应使用四叉树路径: %v", k1)
	}
	if k1.Prefix != "031" {
		t.Errorf("前缀 = %q, want 031", k1.Prefix)
	}
	if deep := tiledKey("osm", 12, 100, 200); len(deep.Prefix) != 4 {
		t.Errorf("深层级前缀应截断为 4 位: %q", deep.Prefix)
	}

	e := geo.NewExtent(geo.CRSWGS84, 0, 10, 0, 10)
	a := KeyForExtent("wms", e, 5)
	b := KeyForExtent("wms", e, 5)
	if a != b {
		t.Errorf("相同范围应得到相同键: %v %v", a, b)
	}
	if c := KeyForExtent("wms", e, 6); c.ID == a.ID {
		t.Errorf("不同层级应得到不同键")
	}
	if d := KeyForExtent("wms", geo.NewExtent(geo.CRSWGS84, 0, 10, 0, 5), 5); d.ID == a.ID {
		t.Errorf("不同范围应得到不同键")
	}
}

func TestDBPathPartition(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		level int
		want  string
	}{
		{0, filepath.Join(dir, "bbolt", "osm", "base.g3db")},
		{8, filepath.Join(dir, "bbolt", "osm", "base.g3db")},
		{10, filepath.Join(dir, "bbolt", "osm", "8", "pfx.g3db")},
		{14, filepath.Join(dir, "bbolt", "osm", "12", "pfx.g3db")},
		{18, filepath.Join(dir, "bbolt", "osm", "18", "pfx.g3db")},
	}
	for _, tt := range tests {
		got := dbPath(dir, BackendBBolt, TileKey{Layer: "osm", Level: tt.level, Prefix: "pfx"})
		if got != tt.want {
			t.Errorf("level %d: got %s, want %s", tt.level, got, tt.want)
		}
		if _, err := os.Stat(filepath.Dir(got)); err != nil {
			t.Errorf("目录未创建: %v", err)
		}
	}
}

func TestTileStorage_Backends(t *testing.T) {
	for _, backend := range []StorageBackend{BackendBBolt, BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			ts, err := NewTileStorage(TileStorageConfig{Backend: backend, DBDir: t.TempDir()})
			if err != nil {
				t.Fatalf("创建存储管理器失败: %v", err)
			}
			defer ts.Close()
			ctx := context.Background()

			keys := []TileKey{tiledKey("osm", 3, 2, 3), tiledKey("osm", 10, 300, 400), tiledKey("dem", 18, 1000, 2000)}
			for i, k := range keys {
				if err := ts.Put(ctx, k, []byte(fmt.Sprintf("v%d", i))); err != nil {
					t.Fatalf("写入 %v 失败: %v", k, err)
				}
			}
			for i, k := range keys {
				got, err := ts.Get(ctx, k)
				if err != nil {
					t.Fatalf("读取 %v 失败: %v", k, err)
				}
				if string(got) != fmt.Sprintf("v%d", i) {
					t.Errorf("数据不匹配: got %s", got)
				}
			}

			// 覆盖写
			if err := ts.Put(ctx, keys[0], []byte("new")); err != nil {
				t.Fatal(err)
			}
			if got, _ := ts.Get(ctx, keys[0]); string(got) != "new" {
				t.Errorf("覆盖写后 got %s", got)
			}

			if err := ts.Delete(ctx, keys[1]); err != nil {
				t.Fatalf("删除失败: %v", err)
			}
			if _, err := ts.Get(ctx, keys[1]); !errors.Is(err, ErrNotFound) {
				t.Errorf("删除后应返回 ErrNotFound, got %v", err)
			}
			if ok, err := ts.Exists(ctx, keys[2]); err != nil || !ok {
				t.Errorf("Exists = %v, %v", ok, err)
			}

			batch := map[TileKey][]byte{
				tiledKey("osm", 11, 1, 1): []byte("a"),
				tiledKey("osm", 11, 1, 2): []byte("b"),
				tiledKey("sat", 2, 1, 1):  []byte("c"),
			}
			if err := ts.PutBatch(ctx, batch); err != nil {
				t.Fatalf("批量写入失败: %v", err)
			}
			for k, v := range batch {
				if got, err := ts.Get(ctx, k); err != nil || !bytes.Equal(got, v) {
					t.Errorf("批量读取 %v: %s, %v", k, got, err)
				}
			}
		})
	}
}

func TestTileStorage_CacheBackfill(t *testing.T) {
	mr := newMiniredis(t)
	ts, err := NewTileStorage(TileStorageConfig{
		Backend:         BackendBBolt,
		DBDir:           t.TempDir(),
		RedisAddr:       mr.Addr(),
		EnableCache:     true,
		CacheExpiration: time.Minute,
	})
	if err != nil {
		t.Fatalf("创建存储管理器失败: %v", err)
	}
	defer ts.Close()
	ctx := context.Background()
	k := tiledKey("osm", 5, 10, 11)

	if err := ts.Put(ctx, k, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(redisKey(k)) {
		t.Fatalf("缓存未写入")
	}
	if err := ts.InvalidateCache(ctx, k); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(redisKey(k)) {
		t.Fatalf("缓存未清除")
	}
	got, err := ts.Get(ctx, k)
	if err != nil || string(got) != "payload" {
		t.Fatalf("缓存失效后读取: %s, %v", got, err)
	}
	if !mr.Exists(redisKey(k)) {
		t.Errorf("读取后应回填缓存")
	}
	if !strings.HasPrefix(redisKey(k), "geostream:osm:5:") {
		t.Errorf("redis 键格式: %s", redisKey(k))
	}
}

func TestTileStorage_WarmupCache(t *testing.T) {
	mr := newMiniredis(t)
	dir := t.TempDir()
	ctx := context.Background()
	root := KeyForExtent("osm", geo.TileAddress{}.Extent(), 0)
	missing := KeyForExtent("wms", geo.TileAddress{}.Extent(), 0)

	// 先以无缓存方式落盘，模拟上次运行留下的数据
	cold, err := NewTileStorage(TileStorageConfig{Backend: BackendBBolt, DBDir: dir})
	if err != nil {
		t.Fatalf("创建存储管理器失败: %v", err)
	}
	if err := cold.Put(ctx, root, []byte("root")); err != nil {
		t.Fatal(err)
	}
	if err := cold.WarmupCache(ctx, []TileKey{root}); err == nil {
		t.Error("未启用缓存时预热应报错")
	}
	if err := cold.Close(); err != nil {
		t.Fatal(err)
	}

	ts, err := NewTileStorage(TileStorageConfig{
		Backend:         BackendBBolt,
		DBDir:           dir,
		RedisAddr:       mr.Addr(),
		EnableCache:     true,
		CacheExpiration: time.Minute,
	})
	if err != nil {
		t.Fatalf("创建存储管理器失败: %v", err)
	}
	defer ts.Close()
	if mr.Exists(redisKey(root)) {
		t.Fatalf("预热前缓存应为空")
	}
	if err := ts.WarmupCache(ctx, []TileKey{root, missing}); err != nil {
		t.Fatalf("预热失败: %v", err)
	}
	got, err := mr.Get(redisKey(root))
	if err != nil || got != "root" {
		t.Errorf("预热后缓存内容 = %q, %v", got, err)
	}
	if mr.Exists(redisKey(missing)) {
		t.Errorf("本地不存在的键不应写入缓存")
	}
	if ttl := mr.TTL(redisKey(root)); ttl <= 0 || ttl > time.Minute {
		t.Errorf("预热键过期时间 = %v", ttl)
	}
}

func TestTileStorage_AsyncPersist(t *testing.T) {
	mr := newMiniredis(t)
	dir := t.TempDir()
	ts, err := NewTileStorage(TileStorageConfig{
		Backend:            BackendSQLite,
		DBDir:              dir,
		RedisAddr:          mr.Addr(),
		EnableCache:        true,
		EnableAsyncPersist: true,
		PersistBatchSize:   1000,
		PersistInterval:    time.Hour,
	})
	if err != nil {
		t.Fatalf("创建存储管理器失败: %v", err)
	}
	ctx := context.Background()
	keys := make([]TileKey, 20)
	for i := range keys {
		keys[i] = tiledKey("osm", 6, uint32(i), uint32(i))
		if err := ts.Put(ctx, keys[i], []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if n := ts.GetPendingPersistCount(); n != 20 {
		t.Errorf("pending = %d, want 20", n)
	}
	// 落盘前缓存可读
	if got, err := ts.Get(ctx, keys[3]); err != nil || got[0] != 3 {
		t.Errorf("异步模式缓存读取: %v, %v", got, err)
	}
	if err := ts.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if n := ts.GetPendingPersistCount(); n != 0 {
		t.Errorf("关闭后 pending = %d", n)
	}

	// 关闭时刷新并清理缓存，重新打开只走持久化
	re, err := NewTileStorage(TileStorageConfig{Backend: BackendSQLite, DBDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer re.Close()
	for i, k := range keys {
		got, err := re.Get(ctx, k)
		if err != nil || got[0] != byte(i) {
			t.Errorf("重新打开读取 %v: %v, %v", k, got, err)
		}
	}
	if mr.Exists(redisKey(keys[0])) {
		t.Errorf("持久化后应清理缓存")
	}
}

func TestNewTileStorage_Invalid(t *testing.T) {
	if _, err := NewTileStorage(TileStorageConfig{Backend: BackendBBolt}); err == nil {
		t.Error("DBDir 为空应报错")
	}
	if _, err := NewTileStorage(TileStorageConfig{Backend: "leveldb", DBDir: t.TempDir()}); err == nil {
		t.Error("未知后端应报错")
	}
	if _, err := NewTileStorage(TileStorageConfig{Backend: BackendBBolt, DBDir: t.TempDir(), EnableAsyncPersist: true}); err == nil {
		t.Error("异步持久化未启用缓存应报错")
	}
}

func TestSanitizeTableName(t *testing.T) {
	tests := map[string]string{
		"osm":       "osm",
		"osm_a":     "osm_a",
		"osm-a":     "osm_a_2c7faae8",
		"osm-tiles": "osm_tiles_cf901de2",
		"3dep":      "_3dep_108fffff",
		"":          "default_table",
	}
	for in, want := range tests {
		if got := sanitizeTableName(in); got != want {
			t.Errorf("sanitizeTableName(%q) = %q, want %q", in, got, want)
		}
	}

	long := sanitizeTableName(strings.Repeat("a", 80))
	if len(long) != 64 {
		t.Errorf("超长名称应截断为 64 字符: %d", len(long))
	}
	if long == sanitizeTableName(strings.Repeat("a", 81)) {
		t.Error("前缀相同的超长名称不应映射到同一张表")
	}
}
