package tilenode

import (
	"fmt"
	"time"

	"geostream/geo"
	"geostream/layer"
	"geostream/provider"
	"geostream/scheduler"
)

// apply 应用一个结算结果。瓦片已被剪除时只释放句柄
func (p *Processor) apply(c completion, now time.Time) error {
	if c.subdivision {
		return p.applySubdivision(c)
	}
	n := c.node
	if n.detached.Load() {
		p.arena.ReleaseAll(c.handles)
		return nil
	}
	defer p.renderer.NotifyChange(n, c.cmd.Redraw)

	st := n.states[c.layer.ID]
	target := c.cmd.TargetLevel()
	if c.err != nil {
		if scheduler.IsCancelled(c.err) {
			st.Success()
			return nil
		}
		definitive := st.ExceedsRetryBudget() || provider.IsDefinitive(c.err)
		st.Failure(now, definitive, &layer.FailureParams{TargetLevel: target, LowestLevelError: layer.NoLevelError})
		if definitive {
			p.log.Warn("%s 图层 %s 层级 %d 永久失败: %v", n, c.layer.ID, target, c.err)
		} else {
			p.log.Debug("%s 图层 %s 层级 %d 失败 (第 %d 次): %v", n, c.layer.ID, target, st.ErrorCount(), c.err)
		}
		return nil
	}
	st.Success()

	// 高程只绑定一份，乱序到达的较低层级结果直接丢弃
	if c.layer.Kind == layer.KindElevation && target <= n.ElevationLevel() {
		p.arena.ReleaseAll(c.handles)
		return nil
	}

	pitches := make([]geo.Pitch, len(c.handles))
	for i, h := range c.handles {
		pitches[i] = geo.IdentityPitch
		res, err := p.arena.Get(h)
		if err != nil {
			continue
		}
		if pitch, err := n.extent.OffsetToParent(res.Key.Extent); err == nil {
			pitches[i] = pitch
		}
	}
	p.replaceSlot(n, c.layer, &textureSlot{handles: c.handles, pitches: pitches, level: target})
	return nil
}

// applySubdivision 四个子瓦片几何就绪后挂到父瓦片下
func (p *Processor) applySubdivision(c completion) error {
	n := c.node
	if n.detached.Load() {
		p.arena.ReleaseAll(c.children[:])
		return nil
	}
	defer p.renderer.NotifyChange(n, true)
	n.pendingSubdivision = false
	if c.err != nil {
		p.arena.ReleaseAll(c.children[:])
		if scheduler.IsCancelled(c.err) {
			return nil
		}
		return fmt.Errorf("细分 %s 失败: %w", n, c.err)
	}

	quarters := n.extent.Quarter()
	n.children = make([]*Node, 0, 4)
	for i, e := range quarters {
		child := newNode(e, n.level+1, n, c.children[i])
		p.renderer.NewMaterial(child)
		child.material.Store(true)
		p.renderer.InheritUniforms(n, child)
		n.children = append(n.children, child)
	}
	return nil
}
