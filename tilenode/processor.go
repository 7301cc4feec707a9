package tilenode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"geostream/geo"
	"geostream/layer"
	"geostream/logger"
	"geostream/resource"
	"geostream/scheduler"
)

// DefaultGeometryPriority 几何创建优先于纹理细化
const DefaultGeometryPriority = 10000

// 纹理命令优先级：显示中的瓦片优先
const (
	priorityDisplayed = 100
	priorityHidden    = 1
)

// ErrNoGeometryLayer 尚未添加几何图层
var ErrNoGeometryLayer = errors.New("no geometry layer")

// Config Processor 配置
type Config struct {
	GeometryPriority float64
	// CompletionBuffer 结算结果通道容量，默认 1024
	CompletionBuffer int
	Logger           logger.Logger
}

// Stats 一帧结束后的统计
type Stats struct {
	Nodes     int
	Displayed int
	InFlight  int
	Pending   int
}

// completion 命令结算结果，在下一帧开始时应用
type completion struct {
	node    *Node
	layer   *layer.Layer
	cmd     *scheduler.Command
	handles []resource.Handle
	err     error
	// subdivision 为 true 时 children 为四个子瓦片的几何句柄
	subdivision bool
	children    [4]resource.Handle
}

// Processor 每帧驱动四叉树细分、显示与图层更新。
// Node 与 UpdateState 只在调用 Update 的 goroutine 上修改，
// 命令结算通过通道投递，下一帧统一应用
type Processor struct {
	cfg      Config
	sched    *scheduler.Scheduler
	arena    *resource.Arena
	renderer Renderer
	view     View
	log      logger.Logger

	geometryLayer *layer.Layer
	elevation     *layer.Layer
	colors        []*layer.Layer
	layers        map[string]*layer.Layer
	providers     map[string]scheduler.Provider

	roots       []*Node
	completions chan completion
	inFlight    int

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 创建 Processor
func New(cfg Config, sched *scheduler.Scheduler, arena *resource.Arena, r Renderer, v View) *Processor {
	if cfg.GeometryPriority <= 0 {
		cfg.GeometryPriority = DefaultGeometryPriority
	}
	if cfg.CompletionBuffer <= 0 {
		cfg.CompletionBuffer = 1024
	}
	return &Processor{
		cfg:         cfg,
		sched:       sched,
		arena:       arena,
		renderer:    r,
		view:        v,
		log:         logger.WithPrefix(cfg.Logger, "tilenode"),
		layers:      make(map[string]*layer.Layer),
		providers:   make(map[string]scheduler.Provider),
		completions: make(chan completion, cfg.CompletionBuffer),
		done:        make(chan struct{}),
	}
}

// AddLayer 校验图层并交给协议提供者预处理。配置错误只拒绝该图层
func (p *Processor) AddLayer(l *layer.Layer) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if _, dup := p.layers[l.ID]; dup {
		return fmt.Errorf("%w: 图层 %s 重复", layer.ErrInvalidLayer, l.ID)
	}
	prov, err := p.sched.Provider(l.Protocol)
	if err != nil {
		return fmt.Errorf("图层 %s: %w", l.ID, err)
	}
	switch l.Kind {
	case layer.KindGeometry:
		if p.geometryLayer != nil {
			return fmt.Errorf("%w: 已有几何图层 %s", layer.ErrInvalidLayer, p.geometryLayer.ID)
		}
	case layer.KindElevation:
		if p.elevation != nil {
			return fmt.Errorf("%w: 已有高程图层 %s", layer.ErrInvalidLayer, p.elevation.ID)
		}
	}
	if err := prov.PreprocessDataLayer(l); err != nil {
		return err
	}
	if l.Kind != layer.KindGeometry && l.Zoom.Max < l.Zoom.Min {
		return fmt.Errorf("%w: 图层 %s 层级范围非法 [%d,%d]", layer.ErrInvalidLayer, l.ID, l.Zoom.Min, l.Zoom.Max)
	}

	switch l.Kind {
	case layer.KindGeometry:
		p.geometryLayer = l
	case layer.KindElevation:
		p.elevation = l
	default:
		p.colors = append(p.colors, l)
	}
	p.layers[l.ID] = l
	p.providers[l.ID] = prov
	p.log.Info("添加图层 %s", l)
	return nil
}

// Layers 已添加的图层
func (p *Processor) Layers() []*layer.Layer {
	out := make([]*layer.Layer, 0, len(p.layers))
	if p.geometryLayer != nil {
		out = append(out, p.geometryLayer)
	}
	if p.elevation != nil {
		out = append(out, p.elevation)
	}
	return append(out, p.colors...)
}

// AddRoot 同步构建根瓦片的几何并加入四叉树
func (p *Processor) AddRoot(ctx context.Context, extent geo.Extent) (*Node, error) {
	if p.geometryLayer == nil {
		return nil, ErrNoGeometryLayer
	}
	level := 0
	if extent.Tiled {
		level = int(extent.Addr.Zoom)
	}
	cmd := scheduler.NewCommand(p.geometryLayer, rootTile{extent: extent, level: level}, p.cfg.GeometryPriority,
		scheduler.GeometryPayload{Extent: extent, Level: level})
	cmd.Force = true
	handles, err := p.sched.Execute(cmd).Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("构建根瓦片 %s 失败: %w", extent, err)
	}
	n := newNode(extent, level, nil, firstHandle(handles))
	p.arena.ReleaseAll(restHandles(handles))
	p.renderer.NewMaterial(n)
	n.material.Store(true)
	p.roots = append(p.roots, n)
	return n, nil
}

// Roots 根瓦片
func (p *Processor) Roots() []*Node { return p.roots }

type rootTile struct {
	extent geo.Extent
	level  int
}

func (t rootTile) Extent() geo.Extent { return t.extent }
func (t rootTile) Level() int         { return t.level }

// Update 执行一帧：先应用上一帧以来结算的命令，再遍历四叉树。
// 返回错误表示细分出现了无法恢复的失败
func (p *Processor) Update(ctx context.Context, now time.Time) error {
	if err := p.drain(now); err != nil {
		return err
	}
	for _, root := range p.roots {
		p.visit(ctx, root, now)
	}
	return nil
}

// drain 应用通道中已有的全部结算结果
func (p *Processor) drain(now time.Time) error {
	var fatal error
	for {
		select {
		case c := <-p.completions:
			p.inFlight--
			if err := p.apply(c, now); err != nil && fatal == nil {
				fatal = err
			}
		default:
			return fatal
		}
	}
}

// visit 剔除、细分或剪枝，然后更新显示中瓦片的图层
func (p *Processor) visit(ctx context.Context, n *Node, now time.Time) {
	if p.view.IsCulled(n) {
		n.hideSubtree()
		return
	}

	refine := n.pendingSubdivision || (p.enoughTexturesToSubdivide(n) && p.view.ShouldSubdivide(n))
	if refine {
		if len(n.children) == 0 {
			// 细分命令可能立即开始执行，须先标记显示，否则会被提前丢弃
			n.displayed.Store(true)
			p.subdivide(n)
		}
		// 子瓦片就绪前保持显示，避免闪烁
		n.displayed.Store(n.pendingSubdivision || len(n.children) == 0)
	} else {
		p.prune(n)
		n.displayed.Store(true)
	}

	if n.Displayed() {
		p.updateLayers(n, now)
	}
	if refine && !n.pendingSubdivision {
		for _, c := range n.children {
			p.visit(ctx, c, now)
		}
	}
}

// enoughTexturesToSubdivide 子瓦片需要从父瓦片继承纹理，
// 父瓦片的每个图层都已有资源、处于错误或已结束时才细分
func (p *Processor) enoughTexturesToSubdivide(n *Node) bool {
	for _, l := range p.textureLayers() {
		st := n.states[l.ID]
		if st == nil {
			return false
		}
		if st.InError() || st.State() == layer.StateFinished {
			continue
		}
		if n.slotFor(l).empty() {
			return false
		}
	}
	return true
}

func (p *Processor) textureLayers() []*layer.Layer {
	if p.elevation == nil {
		return p.colors
	}
	return append([]*layer.Layer{p.elevation}, p.colors...)
}

// prune 销毁全部后代及其资源，父瓦片重新承担显示
func (p *Processor) prune(n *Node) {
	for _, c := range n.children {
		p.destroy(c)
	}
	n.children = nil
}

func (p *Processor) destroy(n *Node) {
	for _, c := range n.children {
		p.destroy(c)
	}
	n.children = nil
	n.detached.Store(true)
	n.displayed.Store(false)
	n.material.Store(false)
	for id, s := range n.textures {
		p.arena.ReleaseAll(s.handles)
		delete(n.textures, id)
	}
	if n.elevation != nil {
		p.arena.ReleaseAll(n.elevation.handles)
		n.elevation = nil
	}
	p.arena.ReleaseAll([]resource.Handle{n.geometry})
	n.geometry = resource.Handle{}
	p.renderer.Dispose(n)
}

// earlyDrop 命令出队或开始执行前调用，只读取 Node 的原子字段
func (p *Processor) earlyDrop(cmd *scheduler.Command) bool {
	n, ok := cmd.Requester.(*Node)
	if !ok {
		return false
	}
	if n.detached.Load() || !n.material.Load() {
		return true
	}
	if cmd.Layer.Kind == layer.KindElevation && n.elevationLevel.Load() > int64(cmd.TargetLevel()) {
		return true
	}
	return !cmd.Force && !n.displayed.Load()
}

// submit 交给调度器执行，结算后把结果投递到通道
func (p *Processor) submit(n *Node, l *layer.Layer, cmd *scheduler.Command) {
	cmd.EarlyDrop = p.earlyDrop
	fut := p.sched.Execute(cmd)
	p.inFlight++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		handles, err := fut.Wait(context.Background())
		p.post(completion{node: n, layer: l, cmd: cmd, handles: handles, err: err})
	}()
}

// post 投递结算结果；Processor 已关闭时直接释放句柄
func (p *Processor) post(c completion) {
	select {
	case p.completions <- c:
	case <-p.done:
		p.arena.ReleaseAll(c.handles)
		p.arena.ReleaseAll(c.children[:])
	}
}

// Stats 遍历四叉树统计
func (p *Processor) Stats() Stats {
	s := Stats{InFlight: p.inFlight}
	var walk func(n *Node)
	walk = func(n *Node) {
		s.Nodes++
		if n.Displayed() {
			s.Displayed++
		}
		if n.pendingSubdivision {
			s.Pending++
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	for _, r := range p.roots {
		walk(r)
	}
	return s
}

// Close 释放全部瓦片资源。应先关闭调度器，使所有命令都已结算
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		for drained := false; !drained; {
			select {
			case c := <-p.completions:
				p.arena.ReleaseAll(c.handles)
				p.arena.ReleaseAll(c.children[:])
			default:
				drained = true
			}
		}
		for _, r := range p.roots {
			p.destroy(r)
		}
		p.roots = nil
		p.inFlight = 0
	})
}

func firstHandle(hs []resource.Handle) resource.Handle {
	if len(hs) == 0 {
		return resource.Handle{}
	}
	return hs[0]
}

func restHandles(hs []resource.Handle) []resource.Handle {
	if len(hs) <= 1 {
		return nil
	}
	return hs[1:]
}
