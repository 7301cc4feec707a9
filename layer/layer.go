package layer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"geostream/geo"
)

// ErrInvalidLayer 图层配置缺少必填项或取值非法
var ErrInvalidLayer = errors.New("invalid layer configuration")

// Kind 图层类型
type Kind string

const (
	KindColor     Kind = "color"
	KindElevation Kind = "elevation"
	KindGeometry  Kind = "geometry"
)

// ZoomRange 图层可请求的层级范围（闭区间）
type ZoomRange struct {
	Min int `yaml:"min" toml:"min"`
	Max int `yaml:"max" toml:"max"`
}

// Clamp 把层级限制到范围内
func (z ZoomRange) Clamp(level int) int {
	if level < z.Min {
		return z.Min
	}
	if level > z.Max {
		return z.Max
	}
	return level
}

// ExtentSpec 配置文件中的覆盖范围
type ExtentSpec struct {
	CRS   string  `yaml:"crs"`
	West  float64 `yaml:"west"`
	East  float64 `yaml:"east"`
	South float64 `yaml:"south"`
	North float64 `yaml:"north"`
}

// Layer 一个数据图层的定义（颜色、高程或几何）
type Layer struct {
	ID       string            `yaml:"id"`
	Kind     Kind              `yaml:"kind"`
	Protocol string            `yaml:"protocol"`
	URL      string            `yaml:"url"`
	CRS      string            `yaml:"crs"`
	Format   string            `yaml:"format"`
	Zoom     ZoomRange         `yaml:"zoom"`
	Strategy StrategyConfig    `yaml:"strategy"`
	Coverage *ExtentSpec       `yaml:"extent"`
	Options  map[string]string `yaml:"options"`

	// Tiled 由协议提供者在预处理时设置：true 表示按 (zoom,row,col) 寻址
	Tiled bool `yaml:"-"`
}

// Validate 检查必填项并补充默认值
func (l *Layer) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: 缺少 id", ErrInvalidLayer)
	}
	switch l.Kind {
	case KindColor, KindElevation, KindGeometry:
	case "":
		return fmt.Errorf("%w: 图层 %s 缺少 kind", ErrInvalidLayer, l.ID)
	default:
		return fmt.Errorf("%w: 图层 %s 未知 kind %q", ErrInvalidLayer, l.ID, l.Kind)
	}
	if l.Protocol == "" {
		return fmt.Errorf("%w: 图层 %s 缺少 protocol", ErrInvalidLayer, l.ID)
	}
	if l.CRS == "" {
		l.CRS = geo.CRSWGS84
	}
	if l.Zoom.Min < 0 || (l.Zoom.Max != 0 && l.Zoom.Max < l.Zoom.Min) {
		return fmt.Errorf("%w: 图层 %s 层级范围非法 [%d,%d]", ErrInvalidLayer, l.ID, l.Zoom.Min, l.Zoom.Max)
	}
	if l.URL != "" {
		if _, err := url.Parse(l.URL); err != nil {
			return fmt.Errorf("%w: 图层 %s url 非法: %v", ErrInvalidLayer, l.ID, err)
		}
	}
	if err := l.Strategy.normalize(); err != nil {
		return fmt.Errorf("%w: 图层 %s: %v", ErrInvalidLayer, l.ID, err)
	}
	return nil
}

// Host 从 URL 解析远程主机名，用于按主机隔离并发；无主机时返回空串
func (l *Layer) Host() string {
	if l.URL == "" {
		return ""
	}
	u, err := url.Parse(l.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Extent 图层覆盖范围，未配置时 ok 为 false
func (l *Layer) Extent() (geo.Extent, bool) {
	if l.Coverage == nil {
		return geo.Extent{}, false
	}
	crs := l.Coverage.CRS
	if crs == "" {
		crs = l.CRS
	}
	return geo.NewExtent(crs, l.Coverage.West, l.Coverage.East, l.Coverage.South, l.Coverage.North), true
}

// Option 读取协议相关的附加参数
func (l *Layer) Option(key, def string) string {
	if v, ok := l.Options[key]; ok && v != "" {
		return v
	}
	return def
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s(%s/%s)", l.ID, l.Kind, l.Protocol)
}
