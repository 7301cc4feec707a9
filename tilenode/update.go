package tilenode

import (
	"time"

	"geostream/geo"
	"geostream/layer"
	"geostream/resource"
	"geostream/scheduler"
)

// updateLayers 先高程后颜色
func (p *Processor) updateLayers(n *Node, now time.Time) {
	if p.elevation != nil {
		p.updateLayer(n, p.elevation, now)
	}
	for _, l := range p.colors {
		p.updateLayer(n, l, now)
	}
}

// updateLayer 单个 (瓦片, 图层) 的一次评估：
// 第一次评估时尝试从父瓦片继承，否则由状态机和层级策略决定是否发起命令
func (p *Processor) updateLayer(n *Node, l *layer.Layer, now time.Time) {
	prov := p.providers[l.ID]
	st, first := n.state(l.ID)
	if first {
		if !prov.TileInsideLimit(n, l) || prov.TileTextureCount(n, l) == 0 {
			st.NoMoreUpdatePossible()
			return
		}
		if p.inherit(n, l) {
			return
		}
	}
	if !st.CanTryUpdate(now) {
		return
	}

	current := layer.NoLevel
	if s := n.slotFor(l); !s.empty() {
		current = s.level
	}
	best := min(n.level, l.Zoom.Max)
	fp := st.FailureParams()
	if current >= best || (fp.HasLevelError() && fp.LowestLevelError <= current+1) {
		st.NoMoreUpdatePossible()
		return
	}

	target := layer.ChooseNextLevel(l.Strategy, layer.NodeLevel{Level: n.level, Subdividing: n.pendingSubdivision}, current, l.Zoom, fp)
	if target < l.Zoom.Min {
		st.NoMoreUpdatePossible()
		return
	}
	if target <= current || target > n.level {
		return
	}

	fp.TargetLevel = target
	extents := []geo.Extent{extentAt(n, target)}
	downloads := prov.CanTextureBeImproved(l, extents, p.resources(n.slotFor(l)), fp)
	if len(downloads) == 0 {
		return
	}

	var payload scheduler.Payload
	if l.Kind == layer.KindElevation {
		payload = scheduler.ElevationPayload{Download: downloads[0]}
	} else {
		payload = scheduler.TexturePayload{Downloads: downloads, Level: target}
	}
	priority := float64(priorityHidden)
	if n.Displayed() {
		priority = priorityDisplayed
	}
	st.NewTry()
	p.submit(n, l, scheduler.NewCommand(l, n, priority, payload))
}

// inherit 父瓦片已有覆盖本瓦片的资源时直接引用，并记录 pitch，不发起请求
func (p *Processor) inherit(n *Node, l *layer.Layer) bool {
	if n.parent == nil {
		return false
	}
	ps := n.parent.slotFor(l)
	if ps.empty() {
		return false
	}
	pitches := make([]geo.Pitch, len(ps.handles))
	for i, h := range ps.handles {
		res, err := p.arena.Get(h)
		if err != nil || !res.Key.Extent.Covers(n.extent) {
			return false
		}
		pitch, err := n.extent.OffsetToParent(res.Key.Extent)
		if err != nil {
			return false
		}
		pitches[i] = pitch
	}
	handles := make([]resource.Handle, 0, len(ps.handles))
	for _, h := range ps.handles {
		if err := p.arena.Retain(h); err != nil {
			p.arena.ReleaseAll(handles)
			return false
		}
		handles = append(handles, h)
	}
	p.replaceSlot(n, l, &textureSlot{handles: handles, pitches: pitches, level: ps.level})
	return true
}

// replaceSlot 原子替换槽位：新句柄已持有引用，先交给渲染端再释放旧句柄
func (p *Processor) replaceSlot(n *Node, l *layer.Layer, s *textureSlot) {
	old := n.slotFor(l)
	n.setSlot(l, s)
	res := p.resources(s)
	if l.Kind == layer.KindElevation {
		if len(res) > 0 {
			p.renderer.SetElevation(n, res[0], s.pitches[0])
		}
	} else {
		p.renderer.SetLayerTextures(n, l.ID, res, s.pitches)
	}
	if old != nil {
		p.arena.ReleaseAll(old.handles)
	}
}

func (p *Processor) resources(s *textureSlot) []resource.Resource {
	if s.empty() {
		return nil
	}
	out := make([]resource.Resource, 0, len(s.handles))
	for _, h := range s.handles {
		if r, err := p.arena.Get(h); err == nil {
			out = append(out, r)
		}
	}
	return out
}

// extentAt 瓦片在 level 层级上的覆盖范围：瓦片地址取祖先地址，连续范围取祖先瓦片的范围
func extentAt(n *Node, level int) geo.Extent {
	if level >= n.level {
		return n.extent
	}
	if n.extent.Tiled {
		return n.extent.Addr.Ancestor(uint32(level)).Extent()
	}
	a := n
	for a.parent != nil && a.level > level {
		a = a.parent
	}
	return a.extent
}
