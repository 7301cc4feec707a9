package provider

import (
	"context"
	"fmt"
	"strconv"

	"github.com/paulmach/orb"

	"geostream/geo"
	"geostream/layer"
	"geostream/logger"
	"geostream/resource"
	"geostream/scheduler"
)

// ProtocolGeometry 本地构建瓦片几何，不访问网络
const ProtocolGeometry = "geometry"

const (
	defaultSegments = 16
	maxSegments     = 128
)

// GeometryBuilder 为子瓦片构建规则网格。网格按归一化范围存入 arena：
// 同层级、同纬度带的瓦片形状相同，共用一份几何
type GeometryBuilder struct {
	arena *resource.Arena
	log   logger.Logger
}

// NewGeometryBuilder 创建几何协议提供者
func NewGeometryBuilder(arena *resource.Arena, log logger.Logger) *GeometryBuilder {
	return &GeometryBuilder{arena: arena, log: logger.WithPrefix(log, "geometry")}
}

func (p *GeometryBuilder) PreprocessDataLayer(l *layer.Layer) error {
	if l.Kind != layer.KindGeometry {
		return fmt.Errorf("%w: 图层 %s 的 kind 应为 %s", layer.ErrInvalidLayer, l.ID, layer.KindGeometry)
	}
	if _, err := segmentsOf(l); err != nil {
		return err
	}
	return nil
}

func segmentsOf(l *layer.Layer) (int, error) {
	n, err := strconv.Atoi(l.Option("segments", strconv.Itoa(defaultSegments)))
	if err != nil || n < 1 || n > maxSegments {
		return 0, fmt.Errorf("%w: 图层 %s options.segments 应在 [1,%d]", layer.ErrInvalidLayer, l.ID, maxSegments)
	}
	return n, nil
}

func (p *GeometryBuilder) TileInsideLimit(scheduler.Tile, *layer.Layer) bool { return true }

func (p *GeometryBuilder) CanTextureBeImproved(*layer.Layer, []geo.Extent, []resource.Resource, layer.FailureParams) []scheduler.Download {
	return nil
}

func (p *GeometryBuilder) TileTextureCount(scheduler.Tile, *layer.Layer) int { return 0 }

func (p *GeometryBuilder) ExecuteCommand(ctx context.Context, cmd *scheduler.Command) ([]resource.Handle, error) {
	gp, ok := cmd.Payload.(scheduler.GeometryPayload)
	if !ok {
		return nil, fmt.Errorf("%w: 载荷类型 %s", scheduler.ErrInvalidCommand, cmd.Payload.Kind())
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", scheduler.ErrCancelled, err)
	}
	segments, err := segmentsOf(cmd.Layer)
	if err != nil {
		return nil, err
	}
	norm := NormalizeExtent(gp.Extent)
	h, err := p.arena.GetOrCreate(resource.KeyFor(cmd.Layer.ID, norm, gp.Level), func() (any, error) {
		return buildGrid(norm, gp.Level, segments), nil
	})
	if err != nil {
		return nil, err
	}
	return []resource.Handle{h}, nil
}

// NormalizeExtent 把范围平移到西边界为 0，只保留宽度和纬度带
func NormalizeExtent(e geo.Extent) geo.Extent {
	return geo.Extent{
		CRS: e.CRS,
		Bound: orb.Bound{
			Min: orb.Point{0, e.South()},
			Max: orb.Point{e.Width(), e.North()},
		},
	}
}

func buildGrid(e geo.Extent, level, segments int) *Geometry {
	grid := make([]orb.Point, 0, (segments+1)*(segments+1))
	dx := e.Width() / float64(segments)
	dy := e.Height() / float64(segments)
	for j := 0; j <= segments; j++ {
		y := e.North() - float64(j)*dy
		for i := 0; i <= segments; i++ {
			grid = append(grid, orb.Point{e.West() + float64(i)*dx, y})
		}
	}
	return &Geometry{Extent: e, Level: level, Segments: segments, Grid: grid}
}
