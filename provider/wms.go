package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"geostream/geo"
	"geostream/layer"
	"geostream/logger"
	"geostream/resource"
	"geostream/scheduler"
)

// ProtocolWMS OGC WMS GetMap，按任意矩形范围请求
const ProtocolWMS = "wms"

// WMS 连续范围的图像服务；图层 options 中 layers 必填，
// version（默认 1.3.0）、styles、width、height（默认 256）可选
type WMS struct {
	fetcher *Fetcher
	arena   *resource.Arena
	log     logger.Logger
}

// NewWMS 创建 WMS 协议提供者
func NewWMS(f *Fetcher, arena *resource.Arena, log logger.Logger) *WMS {
	return &WMS{fetcher: f, arena: arena, log: logger.WithPrefix(log, "wms")}
}

func (p *WMS) PreprocessDataLayer(l *layer.Layer) error {
	if l.URL == "" {
		return fmt.Errorf("%w: 图层 %s 缺少 url", layer.ErrInvalidLayer, l.ID)
	}
	if _, err := url.Parse(l.URL); err != nil {
		return fmt.Errorf("%w: 图层 %s url 非法: %v", layer.ErrInvalidLayer, l.ID, err)
	}
	if l.Option("layers", "") == "" {
		return fmt.Errorf("%w: 图层 %s 缺少 options.layers", layer.ErrInvalidLayer, l.ID)
	}
	switch v := l.Option("version", "1.3.0"); v {
	case "1.1.1", "1.3.0":
	default:
		return fmt.Errorf("%w: 图层 %s 不支持的 WMS 版本 %s", layer.ErrInvalidLayer, l.ID, v)
	}
	for _, k := range []string{"width", "height"} {
		if n, err := strconv.Atoi(l.Option(k, "256")); err != nil || n <= 0 {
			return fmt.Errorf("%w: 图层 %s options.%s 非法", layer.ErrInvalidLayer, l.ID, k)
		}
	}
	if err := checkFormat(l); err != nil {
		return err
	}
	if l.Zoom.Max == 0 {
		l.Zoom.Max = 20
	}
	l.Tiled = false
	return nil
}

func (p *WMS) TileInsideLimit(t scheduler.Tile, l *layer.Layer) bool {
	e := t.Extent()
	if e.CRS != l.CRS || t.Level() < l.Zoom.Min {
		return false
	}
	if cov, ok := l.Extent(); ok {
		return cov.Intersects(e)
	}
	return true
}

func (p *WMS) CanTextureBeImproved(l *layer.Layer, extents []geo.Extent, current []resource.Resource, fp layer.FailureParams) []scheduler.Download {
	if !needsImprovement(extents, current, fp) {
		return nil
	}
	out := make([]scheduler.Download, 0, len(extents))
	for _, e := range extents {
		level := fp.TargetLevel
		if e.Tiled {
			level = int(e.Addr.Zoom)
		}
		out = append(out, scheduler.Download{URL: GetMapURL(l, e), Extent: e, Level: level})
	}
	return out
}

func (p *WMS) TileTextureCount(scheduler.Tile, *layer.Layer) int { return 1 }

func (p *WMS) ExecuteCommand(ctx context.Context, cmd *scheduler.Command) ([]resource.Handle, error) {
	downloads, err := downloadsOf(cmd)
	if err != nil {
		return nil, err
	}
	return fetchAll(ctx, p.fetcher, p.arena, cmd.Layer, downloads)
}

// GetMapURL 构造 GetMap 请求；1.3.0 下 EPSG:4326 的 BBOX 为纬度在前
func GetMapURL(l *layer.Layer, e geo.Extent) string {
	version := l.Option("version", "1.3.0")
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	var bbox string
	if version == "1.3.0" && e.CRS == geo.CRSWGS84 {
		bbox = f(e.South()) + "," + f(e.West()) + "," + f(e.North()) + "," + f(e.East())
	} else {
		bbox = f(e.West()) + "," + f(e.South()) + "," + f(e.East()) + "," + f(e.North())
	}
	q := url.Values{}
	q.Set("SERVICE", "WMS")
	q.Set("REQUEST", "GetMap")
	q.Set("VERSION", version)
	q.Set("LAYERS", l.Option("layers", ""))
	q.Set("STYLES", l.Option("styles", ""))
	q.Set("FORMAT", l.Format)
	q.Set("TRANSPARENT", l.Option("transparent", "true"))
	q.Set("WIDTH", l.Option("width", "256"))
	q.Set("HEIGHT", l.Option("height", "256"))
	q.Set("BBOX", bbox)
	if version == "1.3.0" {
		q.Set("CRS", e.CRS)
	} else {
		q.Set("SRS", e.CRS)
	}

	u, err := url.Parse(l.URL)
	if err != nil {
		return l.URL
	}
	merged := u.Query()
	for k, vs := range q {
		merged[k] = vs
	}
	u.RawQuery = merged.Encode()
	return u.String()
}
