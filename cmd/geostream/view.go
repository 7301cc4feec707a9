package main

import (
	"sync/atomic"

	"geostream/geo"
	"geostream/logger"
	"geostream/resource"
	"geostream/tilenode"
)

// scriptedView 固定视点：越靠近视点的瓦片细分越深，远处的瓦片被剔除
type scriptedView struct {
	lon, lat   float64
	targetZoom int
	// 与视点所在瓦片的切比雪夫距离超过 cullRadius 时剔除
	cullRadius uint32
}

func newScriptedView(lon, lat float64, targetZoom int) *scriptedView {
	return &scriptedView{lon: lon, lat: lat, targetZoom: targetZoom, cullRadius: 2}
}

// distance 瓦片到视点所在瓦片的切比雪夫距离（同层级）
func (v *scriptedView) distance(n *tilenode.Node) uint32 {
	e := n.Extent()
	if !e.Tiled {
		return 0
	}
	c := geo.AddressAt(v.lon, v.lat, e.Addr.Zoom)
	return max(absDiff(c.Row, e.Addr.Row), absDiff(c.Col, e.Addr.Col))
}

func (v *scriptedView) IsCulled(n *tilenode.Node) bool {
	// 低层级瓦片覆盖范围大，始终可见
	return n.Level() > 2 && v.distance(n) > v.cullRadius
}

func (v *scriptedView) ShouldSubdivide(n *tilenode.Node) bool {
	return n.Level() < v.targetZoom && v.distance(n) <= 1
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// headlessRenderer 不做实际渲染，只统计材质与纹理绑定
type headlessRenderer struct {
	log       logger.Logger
	materials atomic.Int64
	bindings  atomic.Int64
	redraws   atomic.Int64
}

func newHeadlessRenderer(log logger.Logger) *headlessRenderer {
	return &headlessRenderer{log: logger.WithPrefix(log, "renderer")}
}

func (r *headlessRenderer) NewMaterial(n *tilenode.Node) {
	r.materials.Add(1)
}

func (r *headlessRenderer) SetLayerTextures(n *tilenode.Node, layerID string, res []resource.Resource, pitches []geo.Pitch) {
	r.bindings.Add(1)
	if len(res) > 0 {
		r.log.Debug("%s 图层 %s 绑定 %s pitch=%+v", n, layerID, res[0].Key, pitches[0])
	}
}

func (r *headlessRenderer) SetElevation(n *tilenode.Node, res resource.Resource, pitch geo.Pitch) {
	r.bindings.Add(1)
	r.log.Debug("%s 绑定高程 %s pitch=%+v", n, res.Key, pitch)
}

func (r *headlessRenderer) InheritUniforms(parent, child *tilenode.Node) {}

func (r *headlessRenderer) NotifyChange(n *tilenode.Node, redraw bool) {
	if redraw {
		r.redraws.Add(1)
	}
}

func (r *headlessRenderer) Dispose(n *tilenode.Node) {
	r.materials.Add(-1)
}
