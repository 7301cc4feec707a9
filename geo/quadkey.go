package geo

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxQuadKeyLevel 压缩路径可表示的最大层级
const MaxQuadKeyLevel = 24

const (
	quadBits     = 2
	quadBitMask  = 0x03
	quadWordBits = 64
	quadPathMask = ^(^uint64(0) >> (MaxQuadKeyLevel * quadBits))
	quadLvlMask  = ^quadPathMask
)

// ErrInvalidQuadKey 非法的四叉树路径字符串
var ErrInvalidQuadKey = errors.New("invalid quadkey")

// QuadKey 压缩存储的四叉树路径：高 48 位每层 2 bit，低 16 位存层级
// 每层取值 col 位 + 2*row 位：
//
//	  c0  c1
//	r0 [0] [1]
//	r1 [2] [3]
type QuadKey struct {
	path uint64
}

// NewQuadKey 从层级、行、列构造路径，超出最大层级时截断
func NewQuadKey(level, row, col uint32) QuadKey {
	if level > MaxQuadKeyLevel {
		shift := level - MaxQuadKeyLevel
		level, row, col = MaxQuadKeyLevel, row>>shift, col>>shift
	}
	var path uint64
	for j := uint32(0); j < level; j++ {
		right := uint64((col >> (level - j - 1)) & 0x01)
		down := uint64((row >> (level - j - 1)) & 0x01)
		path |= (right | down<<1) << (quadWordBits - (j+1)*quadBits)
	}
	return QuadKey{path: path | uint64(level)}
}

// ParseQuadKey 解析 "0123" 形式的路径
func ParseQuadKey(s string) (QuadKey, error) {
	if len(s) > MaxQuadKeyLevel {
		return QuadKey{}, fmt.Errorf("%w: 长度 %d 超过 %d", ErrInvalidQuadKey, len(s), MaxQuadKeyLevel)
	}
	var path uint64
	for j := 0; j < len(s); j++ {
		c := s[j]
		if c < '0' || c > '3' {
			return QuadKey{}, fmt.Errorf("%w: 仅允许字符'0'..'3', 得到 %q", ErrInvalidQuadKey, s)
		}
		path |= uint64(c-'0') << (quadWordBits - uint64(j+1)*quadBits)
	}
	return QuadKey{path: path | uint64(len(s))}, nil
}

// QuadKeyFromUint64 由压缩整数还原
func QuadKeyFromUint64(v uint64) QuadKey { return QuadKey{path: v} }

// Level 路径层级
func (q QuadKey) Level() uint32 { return uint32(q.path & quadLvlMask) }

// Uint64 压缩整数形式
func (q QuadKey) Uint64() uint64 { return q.path }

// Bytes 8 字节大端编码，字典序与前序遍历一致
func (q QuadKey) Bytes() []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], q.path)
	return buf[:]
}

func (q QuadKey) digit(pos uint32) uint32 {
	return uint32((q.path >> (quadWordBits - (pos+1)*quadBits)) & quadBitMask)
}

// Address 还原为瓦片地址
func (q QuadKey) Address() TileAddress {
	level := q.Level()
	var row, col uint32
	for j := uint32(0); j < level; j++ {
		d := q.digit(j)
		col = col<<1 | d&0x01
		row = row<<1 | d>>1
	}
	return TileAddress{Zoom: level, Row: row, Col: col}
}

// Parent 父路径，根路径返回自身
func (q QuadKey) Parent() QuadKey {
	level := q.Level()
	if level == 0 {
		return q
	}
	return q.Truncate(level - 1)
}

// Child 第 i 个子路径（0-3）
func (q QuadKey) Child(i uint32) QuadKey {
	level := q.Level()
	if level >= MaxQuadKeyLevel {
		return q
	}
	next := level + 1
	return QuadKey{path: (q.path & quadPathMask) | uint64(i&quadBitMask)<<(quadWordBits-next*quadBits) | uint64(next)}
}

// Truncate 截取前 n 层
func (q QuadKey) Truncate(level uint32) QuadKey {
	if level >= q.Level() {
		return q
	}
	mask := quadPathMask << ((MaxQuadKeyLevel - level) * quadBits)
	return QuadKey{path: (q.path & mask) | uint64(level)}
}

// IsAncestorOf 是否为 other 的祖先（包括自身）
func (q QuadKey) IsAncestorOf(other QuadKey) bool {
	if q.Level() > other.Level() {
		return false
	}
	return other.Truncate(q.Level()) == q
}

func (q QuadKey) String() string {
	level := q.Level()
	out := make([]byte, level)
	for i := uint32(0); i < level; i++ {
		out[i] = byte('0' + q.digit(i))
	}
	return string(out)
}
