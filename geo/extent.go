package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

// 常用坐标参考系
const (
	CRSWGS84       = "EPSG:4326"
	CRSWebMercator = "EPSG:3857"
)

// ErrCRSMismatch 两个范围不在同一坐标参考系中
var ErrCRSMismatch = errors.New("extent CRS mismatch")

// Extent 某坐标参考系下的矩形范围（值语义，可比较，不可变）
// 不变量：West <= East, South <= North
// Tiled 为 true 时范围同时是瓦片矩阵中的离散地址 Addr
type Extent struct {
	CRS   string
	Bound orb.Bound
	Tiled bool
	Addr  TileAddress
}

// NewExtent 由西、东、南、北构造范围，输入顺序颠倒时自动纠正
func NewExtent(crs string, west, east, south, north float64) Extent {
	if west > east {
		west, east = east, west
	}
	if south > north {
		south, north = north, south
	}
	return Extent{
		CRS: crs,
		Bound: orb.Bound{
			Min: orb.Point{west, south},
			Max: orb.Point{east, north},
		},
	}
}

func (e Extent) West() float64  { return e.Bound.Min[0] }
func (e Extent) East() float64  { return e.Bound.Max[0] }
func (e Extent) South() float64 { return e.Bound.Min[1] }
func (e Extent) North() float64 { return e.Bound.Max[1] }

// Width 东西向跨度
func (e Extent) Width() float64 { return e.Bound.Max[0] - e.Bound.Min[0] }

// Height 南北向跨度
func (e Extent) Height() float64 { return e.Bound.Max[1] - e.Bound.Min[1] }

// Center 中心点
func (e Extent) Center() orb.Point { return e.Bound.Center() }

// IsZero 是否为空范围
func (e Extent) IsZero() bool { return e.CRS == "" && e.Bound.IsZero() }

// Covers 判断 e 是否完全包含 other（同一坐标参考系）
func (e Extent) Covers(other Extent) bool {
	if e.CRS != other.CRS {
		return false
	}
	if e.Tiled && other.Tiled {
		return e.Addr.IsAncestorOf(other.Addr)
	}
	const eps = 1e-9
	return other.West() >= e.West()-eps && other.East() <= e.East()+eps &&
		other.South() >= e.South()-eps && other.North() <= e.North()+eps
}

// Intersects 判断两个范围是否相交
func (e Extent) Intersects(other Extent) bool {
	if e.CRS != other.CRS {
		return false
	}
	return e.Bound.Intersects(other.Bound)
}

// Quarter 将范围四等分，顺序为 西北、东北、西南、东南；瓦片范围按子地址划分
func (e Extent) Quarter() [4]Extent {
	if e.Tiled {
		var out [4]Extent
		for i, a := range e.Addr.Children() {
			out[i] = a.Extent()
		}
		return out
	}
	c := e.Center()
	return [4]Extent{
		NewExtent(e.CRS, e.West(), c[0], c[1], e.North()),
		NewExtent(e.CRS, c[0], e.East(), c[1], e.North()),
		NewExtent(e.CRS, e.West(), c[0], e.South(), c[1]),
		NewExtent(e.CRS, c[0], e.East(), e.South(), c[1]),
	}
}

// OffsetToParent 计算 e 在父范围 parent 中的偏移与缩放
// 偏移以父范围左上角（西北）为原点，Y 轴向南；两者均为瓦片时按地址计算
func (e Extent) OffsetToParent(parent Extent) (Pitch, error) {
	if e.CRS != parent.CRS {
		return Pitch{}, fmt.Errorf("%w: %s / %s", ErrCRSMismatch, e.CRS, parent.CRS)
	}
	if e.Tiled && parent.Tiled {
		return e.Addr.OffsetToParent(parent.Addr)
	}
	pw, ph := parent.Width(), parent.Height()
	if pw <= 0 || ph <= 0 {
		return Pitch{}, fmt.Errorf("父范围退化: %v", parent.Bound)
	}
	return Pitch{
		OffsetX: (e.West() - parent.West()) / pw,
		OffsetY: (parent.North() - e.North()) / ph,
		ScaleX:  e.Width() / pw,
		ScaleY:  e.Height() / ph,
	}, nil
}

func (e Extent) String() string {
	if e.Tiled {
		return fmt.Sprintf("%s[%s]", e.CRS, e.Addr)
	}
	return fmt.Sprintf("%s[%g,%g,%g,%g]", e.CRS, e.West(), e.East(), e.South(), e.North())
}
