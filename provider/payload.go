package provider

import (
	"github.com/paulmach/orb"

	"geostream/geo"
)

// Texture 颜色图层的原始载荷，解码由渲染端负责
type Texture struct {
	Layer  string
	Extent geo.Extent
	Level  int
	Format string
	Data   []byte
}

// Elevation 高程载荷
type Elevation struct {
	Layer  string
	Extent geo.Extent
	Level  int
	Format string
	Data   []byte
}

// Geometry 归一化范围上的规则网格，同纬度带、同层级的瓦片共用一份
type Geometry struct {
	Extent   geo.Extent
	Level    int
	Segments int
	Grid     []orb.Point
}

// VertexCount 网格顶点数
func (g *Geometry) VertexCount() int { return len(g.Grid) }
