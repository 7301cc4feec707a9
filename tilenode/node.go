package tilenode

import (
	"fmt"
	"sync/atomic"

	"geostream/geo"
	"geostream/layer"
	"geostream/resource"
)

// textureSlot 一个图层的纹理槽位。Handles 各持有一次引用，
// 可能指向祖先瓦片的资源，此时 Pitches 描述在其中的位置
type textureSlot struct {
	handles []resource.Handle
	pitches []geo.Pitch
	level   int
}

func (s *textureSlot) empty() bool { return s == nil || len(s.handles) == 0 }

// Node 四叉树瓦片。除原子字段外只在 Processor 的更新 goroutine 上读写
type Node struct {
	extent   geo.Extent
	level    int
	parent   *Node
	children []*Node

	geometry  resource.Handle
	states    map[string]*layer.UpdateState
	textures  map[string]*textureSlot
	elevation *textureSlot

	pendingSubdivision bool

	// 以下字段会被调度器 goroutine 上的丢弃判断读取
	displayed      atomic.Bool
	detached       atomic.Bool
	material       atomic.Bool
	elevationLevel atomic.Int64
}

func newNode(extent geo.Extent, level int, parent *Node, geometry resource.Handle) *Node {
	n := &Node{
		extent:   extent,
		level:    level,
		parent:   parent,
		geometry: geometry,
		states:   make(map[string]*layer.UpdateState),
		textures: make(map[string]*textureSlot),
	}
	n.elevationLevel.Store(layer.NoLevel)
	return n
}

// Extent 瓦片范围
func (n *Node) Extent() geo.Extent { return n.extent }

// Level 瓦片在四叉树中的层级
func (n *Node) Level() int { return n.level }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) Children() []*Node { return n.children }

func (n *Node) Displayed() bool { return n.displayed.Load() }

func (n *Node) Detached() bool { return n.detached.Load() }

func (n *Node) HasMaterial() bool { return n.material.Load() }

func (n *Node) Geometry() resource.Handle { return n.geometry }

func (n *Node) PendingSubdivision() bool { return n.pendingSubdivision }

// LayerState 图层的更新状态，未评估过时为 nil
func (n *Node) LayerState(layerID string) *layer.UpdateState { return n.states[layerID] }

// Textures 颜色图层当前的句柄与 pitch
func (n *Node) Textures(layerID string) ([]resource.Handle, []geo.Pitch) {
	s := n.textures[layerID]
	if s.empty() {
		return nil, nil
	}
	return s.handles, s.pitches
}

// TextureLevel 颜色图层当前资源的层级，没有资源时为 layer.NoLevel
func (n *Node) TextureLevel(layerID string) int {
	s := n.textures[layerID]
	if s.empty() {
		return layer.NoLevel
	}
	return s.level
}

// ElevationLevel 已绑定高程的层级
func (n *Node) ElevationLevel() int { return int(n.elevationLevel.Load()) }

// Elevation 已绑定的高程句柄与 pitch
func (n *Node) Elevation() (resource.Handle, geo.Pitch, bool) {
	if n.elevation.empty() {
		return resource.Handle{}, geo.Pitch{}, false
	}
	return n.elevation.handles[0], n.elevation.pitches[0], true
}

func (n *Node) String() string {
	return fmt.Sprintf("node(%d %s)", n.level, n.extent)
}

// slotFor 返回图层对应的槽位
func (n *Node) slotFor(l *layer.Layer) *textureSlot {
	if l.Kind == layer.KindElevation {
		return n.elevation
	}
	return n.textures[l.ID]
}

func (n *Node) setSlot(l *layer.Layer, s *textureSlot) {
	if l.Kind == layer.KindElevation {
		n.elevation = s
		n.elevationLevel.Store(int64(s.level))
		return
	}
	n.textures[l.ID] = s
}

// state 返回更新状态；第一次评估时创建并返回 first=true
func (n *Node) state(layerID string) (st *layer.UpdateState, first bool) {
	st, ok := n.states[layerID]
	if !ok {
		st = layer.NewUpdateState()
		n.states[layerID] = st
		return st, true
	}
	return st, false
}

// hideSubtree 隐藏自身及全部后代，不释放资源
func (n *Node) hideSubtree() {
	n.displayed.Store(false)
	for _, c := range n.children {
		c.hideSubtree()
	}
}
