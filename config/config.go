package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// 默认查找路径
const (
	RootConfigPath   = "config.toml"
	FolderConfigPath = "config/config.toml"
)

// SchedulerConfig 命令调度配置
type SchedulerConfig struct {
	MaxConnsPerHost  int     `toml:"max_conns_per_host"`
	MaxConnections   int     `toml:"max_connections"`
	GeometryPriority float64 `toml:"geometry_priority"`
}

// HTTPConfig 瓦片下载配置
type HTTPConfig struct {
	Timeout     int    `toml:"timeout"` // 秒
	UserAgent   string `toml:"user_agent"`
	EnableHTTP2 bool   `toml:"enable_http2"`
	// TLSFingerprint 非空时以 utls 模拟浏览器握手，如 chrome_auto
	TLSFingerprint string `toml:"tls_fingerprint"`
}

// StoreConfig 瓦片本地存储配置，DBDir 为空时不启用存储
type StoreConfig struct {
	Backend            string `toml:"backend"` // bbolt 或 sqlite
	DBDir              string `toml:"db_dir"`
	RedisAddr          string `toml:"redis_addr"`
	EnableCache        bool   `toml:"enable_cache"`
	CacheExpiration    int    `toml:"cache_expiration"` // 秒
	EnableAsyncPersist bool   `toml:"enable_async_persist"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// ViewConfig 无界面运行时的脚本化视点
type ViewConfig struct {
	Lon           float64 `toml:"lon"`
	Lat           float64 `toml:"lat"`
	TargetZoom    int     `toml:"target_zoom"`
	FrameInterval int     `toml:"frame_interval"` // 毫秒
}

// ServerConfig 健康检查服务
type ServerConfig struct {
	GRPCAddr string `toml:"grpc_addr"`
}

// Config 项目配置结构
type Config struct {
	Scheduler  SchedulerConfig `toml:"scheduler"`
	HTTP       HTTPConfig      `toml:"http"`
	Store      StoreConfig     `toml:"store"`
	Log        LogConfig       `toml:"log"`
	View       ViewConfig      `toml:"view"`
	Server     ServerConfig    `toml:"server"`
	LayersFile string          `toml:"layers_file"`
}

// Default 内置默认值，配置文件中出现的字段会覆盖
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{MaxConnsPerHost: 6, MaxConnections: 16, GeometryPriority: 10000},
		HTTP:      HTTPConfig{Timeout: 30, UserAgent: "geostream/1.0", EnableHTTP2: true},
		Store:     StoreConfig{Backend: "bbolt", CacheExpiration: 3600},
		Log:       LogConfig{Level: "info"},
		View:      ViewConfig{TargetZoom: 12, FrameInterval: 100},
		Server:    ServerConfig{GRPCAddr: ":50051"},
		// 相对路径基于工作目录解析
		LayersFile: "config/layers.yaml",
	}
}

// LoadMergedInto 将项目根目录下的 config.toml 与 config/config.toml 合并后，解码到 out 指针。
// 合并策略：先加载 config/config.toml（作为默认值），再加载根目录 config.toml（作为覆盖）。
// 如果文件不存在则跳过。
func LoadMergedInto(out interface{}) error {
	if fileExists(FolderConfigPath) {
		if _, err := toml.DecodeFile(FolderConfigPath, out); err != nil {
			return fmt.Errorf("解析 %s 失败: %w", FolderConfigPath, err)
		}
	}
	if fileExists(RootConfigPath) {
		if _, err := toml.DecodeFile(RootConfigPath, out); err != nil {
			return fmt.Errorf("解析 %s 失败: %w", RootConfigPath, err)
		}
	}
	return nil
}

// Load 在默认值上合并配置文件并校验。path 非空时只读取该文件
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("解析 %s 失败: %w", path, err)
		}
	} else if err := LoadMergedInto(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	if err := validateScheduler(c.Scheduler); err != nil {
		return err
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout 必须大于0")
	}
	if err := validateStore(c.Store); err != nil {
		return err
	}
	if c.View.TargetZoom < 0 || c.View.TargetZoom > 24 {
		return fmt.Errorf("view.target_zoom 超出范围 [0,24]: %d", c.View.TargetZoom)
	}
	if c.View.Lat < -85.05112878 || c.View.Lat > 85.05112878 || c.View.Lon < -180 || c.View.Lon > 180 {
		return fmt.Errorf("view 坐标非法: (%f, %f)", c.View.Lon, c.View.Lat)
	}
	if c.View.FrameInterval <= 0 {
		return fmt.Errorf("view.frame_interval 必须大于0")
	}
	return nil
}

func validateScheduler(s SchedulerConfig) error {
	if s.MaxConnsPerHost <= 0 {
		return fmt.Errorf("scheduler.max_conns_per_host 必须大于0")
	}
	if s.MaxConnections <= 0 {
		return fmt.Errorf("scheduler.max_connections 必须大于0")
	}
	if s.GeometryPriority <= 0 {
		return fmt.Errorf("scheduler.geometry_priority 必须大于0")
	}
	return nil
}

func validateStore(s StoreConfig) error {
	switch s.Backend {
	case "bbolt", "sqlite":
	default:
		return fmt.Errorf("store.backend 不支持: %q", s.Backend)
	}
	if s.EnableAsyncPersist && !s.EnableCache {
		return fmt.Errorf("store.enable_async_persist 需要同时开启 enable_cache")
	}
	if s.EnableCache && s.CacheExpiration < 0 {
		return fmt.Errorf("store.cache_expiration 不能为负")
	}
	return nil
}

// TimeoutDuration 下载超时
func (h HTTPConfig) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// CacheTTL 缓存过期时间，0 表示不过期
func (s StoreConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheExpiration) * time.Second
}

// Interval 帧间隔
func (v ViewConfig) Interval() time.Duration {
	return time.Duration(v.FrameInterval) * time.Millisecond
}

// ResolvePath 如果传入相对路径，基于项目根目录返回绝对路径；若已是绝对路径则原样返回。
func ResolvePath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
