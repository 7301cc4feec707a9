package geo

import "fmt"

// Pitch 子瓦片归一化空间到父资源空间的映射（偏移 + 缩放）
// 不变量：缩放取值 (0,1]；纯继承区域满足 offset+scale <= 1
type Pitch struct {
	OffsetX float64
	OffsetY float64
	ScaleX  float64
	ScaleY  float64
}

// IdentityPitch 资源与瓦片完全重合
var IdentityPitch = Pitch{ScaleX: 1, ScaleY: 1}

const pitchEpsilon = 1e-9

// Within 把 p（相对于中间资源）叠加到 outer（中间资源相对于祖先资源）上，
// 得到相对于祖先资源的映射
func (p Pitch) Within(outer Pitch) Pitch {
	return Pitch{
		OffsetX: outer.OffsetX + p.OffsetX*outer.ScaleX,
		OffsetY: outer.OffsetY + p.OffsetY*outer.ScaleY,
		ScaleX:  p.ScaleX * outer.ScaleX,
		ScaleY:  p.ScaleY * outer.ScaleY,
	}
}

// IsIdentity 是否为单位映射
func (p Pitch) IsIdentity() bool {
	return p.ApproxEqual(IdentityPitch)
}

// ApproxEqual 在浮点误差范围内比较
func (p Pitch) ApproxEqual(o Pitch) bool {
	return near(p.OffsetX, o.OffsetX) && near(p.OffsetY, o.OffsetY) &&
		near(p.ScaleX, o.ScaleX) && near(p.ScaleY, o.ScaleY)
}

// Validate 检查继承映射的不变量
func (p Pitch) Validate() error {
	if p.ScaleX <= 0 || p.ScaleX > 1+pitchEpsilon || p.ScaleY <= 0 || p.ScaleY > 1+pitchEpsilon {
		return fmt.Errorf("pitch 缩放越界: %+v", p)
	}
	if p.OffsetX < -pitchEpsilon || p.OffsetY < -pitchEpsilon ||
		p.OffsetX+p.ScaleX > 1+pitchEpsilon || p.OffsetY+p.ScaleY > 1+pitchEpsilon {
		return fmt.Errorf("pitch 超出父资源范围: %+v", p)
	}
	return nil
}

func near(a, b float64) bool {
	d := a - b
	return d < pitchEpsilon && d > -pitchEpsilon
}
