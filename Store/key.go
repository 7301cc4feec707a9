package Store

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"geostream/geo"
)

// TileKey 持久化键。瓦片化范围用四叉树路径编码 ID，连续范围用边界哈希
type TileKey struct {
	Layer string
	Level int
	ID    uint64
	// Prefix 用于决定数据库文件名，同一父瓦片下的键落在同一文件
	Prefix string
}

// KeyForExtent 由图层、范围和层级生成持久化键
func KeyForExtent(layerID string, e geo.Extent, level int) TileKey {
	if e.Tiled {
		qk := e.Addr.QuadKey()
		s := qk.String()
		if len(s) > 4 {
			s = s[:4]
		}
		if s == "" {
			s = "root"
		}
		return TileKey{Layer: layerID, Level: level, ID: qk.Uint64(), Prefix: s}
	}
	h := fnv.New64a()
	var buf [8]byte
	_, _ = h.Write([]byte(e.CRS))
	for _, v := range []float64{e.West(), e.East(), e.South(), e.North()} {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	binary.BigEndian.PutUint64(buf[:], uint64(level))
	_, _ = h.Write(buf[:])
	id := h.Sum64()
	return TileKey{Layer: layerID, Level: level, ID: id, Prefix: fmt.Sprintf("%04x", id>>48)}
}

// Bytes 大端编码的 ID，保持同层级键在 B+ 树中的局部性
func (k TileKey) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k.ID)
	return b[:]
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s:%d:%016x", k.Layer, k.Level, k.ID)
}
