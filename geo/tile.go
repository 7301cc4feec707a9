package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// ErrNotAncestor 给定地址不是当前地址的祖先
var ErrNotAncestor = errors.New("tile address is not an ancestor")

// TileAddress WebMercator 瓦片矩阵中的离散地址 (zoom,row,col)
// 行号自北向南递增，与 XYZ 瓦片一致
type TileAddress struct {
	Zoom uint32
	Row  uint32
	Col  uint32
}

// AddressAt 返回经纬度点在指定层级所在的瓦片
func AddressAt(lon, lat float64, zoom uint32) TileAddress {
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
	return FromMaptile(t)
}

// FromMaptile 由 maptile.Tile 构造
func FromMaptile(t maptile.Tile) TileAddress {
	return TileAddress{Zoom: uint32(t.Z), Row: t.Y, Col: t.X}
}

// Maptile 转为 maptile.Tile
func (a TileAddress) Maptile() maptile.Tile {
	return maptile.New(a.Col, a.Row, maptile.Zoom(a.Zoom))
}

// Valid 行列是否在该层级范围内
func (a TileAddress) Valid() bool {
	return a.Maptile().Valid()
}

// Extent 地址对应的经纬度范围
func (a TileAddress) Extent() Extent {
	return Extent{CRS: CRSWGS84, Bound: a.Maptile().Bound(), Tiled: true, Addr: a}
}

// Parent 父地址，0 级返回自身
func (a TileAddress) Parent() TileAddress {
	if a.Zoom == 0 {
		return a
	}
	return TileAddress{Zoom: a.Zoom - 1, Row: a.Row >> 1, Col: a.Col >> 1}
}

// Ancestor 返回 zoom 层级上的祖先地址（zoom 大于自身层级时返回自身）
func (a TileAddress) Ancestor(zoom uint32) TileAddress {
	if zoom >= a.Zoom {
		return a
	}
	shift := a.Zoom - zoom
	return TileAddress{Zoom: zoom, Row: a.Row >> shift, Col: a.Col >> shift}
}

// Children 四个子地址，顺序为 西北、东北、西南、东南（与 Extent.Quarter 一致）
func (a TileAddress) Children() [4]TileAddress {
	z, r, c := a.Zoom+1, a.Row<<1, a.Col<<1
	return [4]TileAddress{
		{Zoom: z, Row: r, Col: c},
		{Zoom: z, Row: r, Col: c + 1},
		{Zoom: z, Row: r + 1, Col: c},
		{Zoom: z, Row: r + 1, Col: c + 1},
	}
}

// IsAncestorOf 判断是否为 other 的祖先（包括自身）
func (a TileAddress) IsAncestorOf(other TileAddress) bool {
	if a.Zoom > other.Zoom {
		return false
	}
	return other.Ancestor(a.Zoom) == a
}

// OffsetToParent 计算当前地址在祖先 parent 中的 pitch：
// diff = 2^(childZoom-parentZoom)，偏移 = (col/diff - parentCol, row/diff - parentRow)，缩放 = 1/diff
func (a TileAddress) OffsetToParent(parent TileAddress) (Pitch, error) {
	if !parent.IsAncestorOf(a) {
		return Pitch{}, fmt.Errorf("%w: %s / %s", ErrNotAncestor, parent, a)
	}
	diff := float64(uint64(1) << (a.Zoom - parent.Zoom))
	scale := 1 / diff
	return Pitch{
		OffsetX: float64(a.Col)/diff - float64(parent.Col),
		OffsetY: float64(a.Row)/diff - float64(parent.Row),
		ScaleX:  scale,
		ScaleY:  scale,
	}, nil
}

// QuadKey 转为压缩四叉树路径
func (a TileAddress) QuadKey() QuadKey {
	return NewQuadKey(a.Zoom, a.Row, a.Col)
}

func (a TileAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Zoom, a.Row, a.Col)
}
