package tilenode

import (
	"geostream/geo"
	"geostream/resource"
)

// Renderer 渲染端协作者。引擎只往不透明槽位里填资源，不关心渲染细节。
// 所有方法都在调用 Processor.Update 的 goroutine 上执行
type Renderer interface {
	// NewMaterial 为新瓦片创建材质
	NewMaterial(n *Node)
	// SetLayerTextures 替换瓦片在某颜色图层上的纹理及 pitch
	SetLayerTextures(n *Node, layerID string, textures []resource.Resource, pitches []geo.Pitch)
	// SetElevation 替换瓦片绑定的高程
	SetElevation(n *Node, elevation resource.Resource, pitch geo.Pitch)
	// InheritUniforms 子瓦片继承父瓦片的共享参数
	InheritUniforms(parent, child *Node)
	// NotifyChange 每个命令结算后调用一次
	NotifyChange(n *Node, redraw bool)
	// Dispose 瓦片被剪除时释放渲染端对象
	Dispose(n *Node)
}

// View 视点相关的判断
type View interface {
	IsCulled(n *Node) bool
	ShouldSubdivide(n *Node) bool
}
