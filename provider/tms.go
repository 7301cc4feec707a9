package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"geostream/geo"
	"geostream/layer"
	"geostream/logger"
	"geostream/resource"
	"geostream/scheduler"
)

// ProtocolTMS XYZ/TMS 瓦片服务
const ProtocolTMS = "tms"

// TMS 按 {z}/{x}/{y} 模板下载瓦片；{-y} 表示 TMS 自南向北的行号
type TMS struct {
	fetcher *Fetcher
	arena   *resource.Arena
	log     logger.Logger
}

// NewTMS 创建 TMS 协议提供者
func NewTMS(f *Fetcher, arena *resource.Arena, log logger.Logger) *TMS {
	return &TMS{fetcher: f, arena: arena, log: logger.WithPrefix(log, "tms")}
}

func (p *TMS) PreprocessDataLayer(l *layer.Layer) error {
	u := l.URL
	if !strings.Contains(u, "{z}") || !strings.Contains(u, "{x}") ||
		(!strings.Contains(u, "{y}") && !strings.Contains(u, "{-y}")) {
		return fmt.Errorf("%w: %w: 图层 %s url %q", layer.ErrInvalidLayer, ErrInvalidTemplate, l.ID, u)
	}
	if err := checkFormat(l); err != nil {
		return err
	}
	if l.Coverage != nil {
		if l.Coverage.CRS != "" && l.Coverage.CRS != geo.CRSWGS84 {
			return fmt.Errorf("%w: 图层 %s 覆盖范围必须使用 %s", layer.ErrInvalidLayer, l.ID, geo.CRSWGS84)
		}
		l.Coverage.CRS = geo.CRSWGS84
	}
	if l.Zoom.Max == 0 {
		l.Zoom.Max = 18
	}
	l.Tiled = true
	p.log.Debug("图层 %s 就绪，层级 [%d,%d]", l.ID, l.Zoom.Min, l.Zoom.Max)
	return nil
}

func (p *TMS) TileInsideLimit(t scheduler.Tile, l *layer.Layer) bool {
	e := t.Extent()
	if !e.Tiled || t.Level() < l.Zoom.Min {
		return false
	}
	if cov, ok := l.Extent(); ok {
		return cov.Intersects(e)
	}
	return true
}

func (p *TMS) CanTextureBeImproved(l *layer.Layer, extents []geo.Extent, current []resource.Resource, fp layer.FailureParams) []scheduler.Download {
	if !needsImprovement(extents, current, fp) {
		return nil
	}
	out := make([]scheduler.Download, 0, len(extents))
	for _, e := range extents {
		if !e.Tiled {
			p.log.Warn("图层 %s 收到非瓦片范围 %s", l.ID, e)
			return nil
		}
		out = append(out, scheduler.Download{URL: TileURL(l.URL, e.Addr), Extent: e, Level: int(e.Addr.Zoom)})
	}
	return out
}

func (p *TMS) TileTextureCount(scheduler.Tile, *layer.Layer) int { return 1 }

func (p *TMS) ExecuteCommand(ctx context.Context, cmd *scheduler.Command) ([]resource.Handle, error) {
	downloads, err := downloadsOf(cmd)
	if err != nil {
		return nil, err
	}
	for _, d := range downloads {
		if !d.Extent.Tiled {
			return nil, fmt.Errorf("%w: %s", ErrNotTiled, d.Extent)
		}
	}
	return fetchAll(ctx, p.fetcher, p.arena, cmd.Layer, downloads)
}

// TileURL 填充 URL 模板
func TileURL(template string, a geo.TileAddress) string {
	flipped := (uint32(1)<<a.Zoom - 1) - a.Row
	r := strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(a.Zoom), 10),
		"{x}", strconv.FormatUint(uint64(a.Col), 10),
		"{y}", strconv.FormatUint(uint64(a.Row), 10),
		"{-y}", strconv.FormatUint(uint64(flipped), 10),
	)
	return r.Replace(template)
}
