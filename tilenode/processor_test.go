package tilenode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"geostream/geo"
	"geostream/layer"
	"geostream/logger"
	"geostream/provider"
	"geostream/resource"
	"geostream/scheduler"
)

// memProvider 内存中的瓦片协议：纹理、高程与几何都直接生成
type memProvider struct {
	arena *resource.Arena

	mu       sync.Mutex
	executed []string
	fail     func(cmd *scheduler.Command) error
}

func (m *memProvider) PreprocessDataLayer(l *layer.Layer) error {
	l.Tiled = true
	if l.Kind != layer.KindGeometry && l.Zoom.Max == 0 {
		l.Zoom.Max = 18
	}
	return nil
}

func (m *memProvider) ExecuteCommand(ctx context.Context, cmd *scheduler.Command) ([]resource.Handle, error) {
	m.mu.Lock()
	m.executed = append(m.executed, fmt.Sprintf("%s@%d", cmd.Layer.ID, cmd.TargetLevel()))
	fail := m.fail
	m.mu.Unlock()
	if fail != nil {
		if err := fail(cmd); err != nil {
			return nil, err
		}
	}
	var keys []resource.Key
	switch pl := cmd.Payload.(type) {
	case scheduler.GeometryPayload:
		keys = append(keys, resource.KeyFor(cmd.Layer.ID, provider.NormalizeExtent(pl.Extent), pl.Level))
	case scheduler.TexturePayload:
		for _, d := range pl.Downloads {
			keys = append(keys, resource.KeyFor(cmd.Layer.ID, d.Extent, d.Level))
		}
	case scheduler.ElevationPayload:
		keys = append(keys, resource.KeyFor(cmd.Layer.ID, pl.Download.Extent, pl.Download.Level))
	}
	out := make([]resource.Handle, 0, len(keys))
	for _, k := range keys {
		h, _ := m.arena.Insert(k, k.String())
		out = append(out, h)
	}
	return out, nil
}

func (m *memProvider) TileInsideLimit(t scheduler.Tile, l *layer.Layer) bool {
	return t.Level() >= l.Zoom.Min
}

func (m *memProvider) CanTextureBeImproved(l *layer.Layer, extents []geo.Extent, current []resource.Resource, fp layer.FailureParams) []scheduler.Download {
	if len(current) == len(extents) {
		improvable := false
		for _, r := range current {
			if r.Key.Level < fp.TargetLevel {
				improvable = true
			}
		}
		if !improvable {
			return nil
		}
	}
	out := make([]scheduler.Download, len(extents))
	for i, e := range extents {
		out[i] = scheduler.Download{URL: "mem://" + e.Addr.String(), Extent: e, Level: int(e.Addr.Zoom)}
	}
	return out
}

func (m *memProvider) TileTextureCount(scheduler.Tile, *layer.Layer) int { return 1 }

func (m *memProvider) setFail(fn func(cmd *scheduler.Command) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *memProvider) executedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executed)
}

func (m *memProvider) executedFor(layerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.executed {
		if strings.HasPrefix(e, layerID+"@") {
			n++
		}
	}
	return n
}

type fakeRenderer struct {
	materials int
	textures  map[*Node][]geo.Pitch
	elevation map[*Node]resource.Resource
	notified  int
	disposed  int
	inherited int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{textures: make(map[*Node][]geo.Pitch), elevation: make(map[*Node]resource.Resource)}
}

func (r *fakeRenderer) NewMaterial(*Node) { r.materials++ }
func (r *fakeRenderer) SetLayerTextures(n *Node, _ string, _ []resource.Resource, pitches []geo.Pitch) {
	r.textures[n] = pitches
}
func (r *fakeRenderer) SetElevation(n *Node, res resource.Resource, _ geo.Pitch) {
	r.elevation[n] = res
}
func (r *fakeRenderer) InheritUniforms(_, _ *Node) { r.inherited++ }
func (r *fakeRenderer) NotifyChange(*Node, bool)   { r.notified++ }
func (r *fakeRenderer) Dispose(*Node)              { r.disposed++ }

// fakeView 细分到 maxLevel 为止，culled 中的瓦片被剔除
type fakeView struct {
	maxLevel int
	culled   map[geo.TileAddress]bool
}

func (v *fakeView) IsCulled(n *Node) bool        { return v.culled[n.extent.Addr] }
func (v *fakeView) ShouldSubdivide(n *Node) bool { return n.level < v.maxLevel }

type harness struct {
	p        *Processor
	prov     *memProvider
	renderer *fakeRenderer
	view     *fakeView
	arena    *resource.Arena
	color    *layer.Layer
	now      time.Time
}

func newHarness(t *testing.T, maxLevel int) *harness {
	t.Helper()
	arena := resource.NewArena(nil)
	sched := scheduler.New(scheduler.DefaultConfig(), &logger.NopLogger{})
	prov := &memProvider{arena: arena}
	if err := sched.AddProtocolProvider("mem", prov); err != nil {
		t.Fatal(err)
	}
	h := &harness{
		prov:     prov,
		renderer: newFakeRenderer(),
		view:     &fakeView{maxLevel: maxLevel, culled: map[geo.TileAddress]bool{}},
		arena:    arena,
		now:      time.Unix(1000, 0),
	}
	h.p = New(Config{Logger: &logger.NopLogger{}}, sched, arena, h.renderer, h.view)
	t.Cleanup(func() {
		sched.Close()
		h.p.Close()
	})

	if err := h.p.AddLayer(&layer.Layer{ID: "globe", Kind: layer.KindGeometry, Protocol: "mem"}); err != nil {
		t.Fatalf("添加几何图层失败: %v", err)
	}
	h.color = &layer.Layer{ID: "osm", Kind: layer.KindColor, Protocol: "mem", Zoom: layer.ZoomRange{Min: 0, Max: 18}}
	if err := h.p.AddLayer(h.color); err != nil {
		t.Fatalf("添加颜色图层失败: %v", err)
	}
	if _, err := h.p.AddRoot(context.Background(), geo.TileAddress{}.Extent()); err != nil {
		t.Fatalf("添加根瓦片失败: %v", err)
	}
	return h
}

// frame 执行一帧并等待本帧发出的命令全部结算
func (h *harness) frame(t *testing.T) {
	t.Helper()
	if err := h.p.Update(context.Background(), h.now); err != nil {
		t.Fatalf("Update 返回错误: %v", err)
	}
	h.flush(t)
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.p.inFlight > 0 {
		if err := h.p.drain(h.now); err != nil {
			t.Fatalf("应用结算结果出错: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("等待命令结算超时, inFlight=%d", h.p.inFlight)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestProcessor_AddLayerErrors(t *testing.T) {
	h := newHarness(t, 0)
	tests := []struct {
		name string
		l    *layer.Layer
		want error
	}{
		{"未知协议", &layer.Layer{ID: "a", Kind: layer.KindColor, Protocol: "ftp"}, scheduler.ErrUnknownProtocol},
		{"缺少 kind", &layer.Layer{ID: "b", Protocol: "mem"}, layer.ErrInvalidLayer},
		{"重复 id", &layer.Layer{ID: "osm", Kind: layer.KindColor, Protocol: "mem"}, layer.ErrInvalidLayer},
		{"第二个几何图层", &layer.Layer{ID: "g2", Kind: layer.KindGeometry, Protocol: "mem"}, layer.ErrInvalidLayer},
	}
	for _, tt := range tests {
		if err := h.p.AddLayer(tt.l); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
	if len(h.p.Layers()) != 2 {
		t.Errorf("失败的图层不应被加入: %d", len(h.p.Layers()))
	}
}

func TestProcessor_SubdivideThenInherit(t *testing.T) {
	h := newHarness(t, 1)
	root := h.p.Roots()[0]

	// 第一帧：根瓦片请求 0 级纹理；纹理就绪前不细分
	h.frame(t)
	if root.TextureLevel("osm") != 0 || len(root.Children()) != 0 {
		t.Fatalf("根瓦片纹理层级 = %d, 子瓦片 %d", root.TextureLevel("osm"), len(root.Children()))
	}

	// 第二帧：发起细分，子瓦片就绪前父瓦片保持显示
	h.p.Update(context.Background(), h.now)
	if !root.PendingSubdivision() || !root.Displayed() {
		t.Fatalf("细分中应保持显示: pending=%v displayed=%v", root.PendingSubdivision(), root.Displayed())
	}
	h.flush(t)
	if len(root.Children()) != 4 || root.PendingSubdivision() {
		t.Fatalf("子瓦片未挂载: %d", len(root.Children()))
	}
	if h.renderer.inherited != 4 {
		t.Errorf("InheritUniforms 调用 %d 次", h.renderer.inherited)
	}

	// 第三帧：父瓦片隐藏，子瓦片第一次评估时继承父纹理，不发命令
	before := h.prov.executedCount()
	h.frame(t)
	if root.Displayed() {
		t.Errorf("子瓦片就绪后父瓦片应隐藏")
	}
	if h.prov.executedCount() != before {
		t.Errorf("继承时不应发起命令: %v", h.prov.executed)
	}
	wantPitch := map[geo.TileAddress]geo.Pitch{
		{Zoom: 1, Row: 0, Col: 0}: {OffsetX: 0, OffsetY: 0, ScaleX: 0.5, ScaleY: 0.5},
		{Zoom: 1, Row: 0, Col: 1}: {OffsetX: 0.5, OffsetY: 0, ScaleX: 0.5, ScaleY: 0.5},
		{Zoom: 1, Row: 1, Col: 0}: {OffsetX: 0, OffsetY: 0.5, ScaleX: 0.5, ScaleY: 0.5},
		{Zoom: 1, Row: 1, Col: 1}: {OffsetX: 0.5, OffsetY: 0.5, ScaleX: 0.5, ScaleY: 0.5},
	}
	rootTex, _ := root.Textures("osm")
	for _, c := range root.Children() {
		hs, ps := c.Textures("osm")
		if len(hs) != 1 || hs[0] != rootTex[0] || !ps[0].ApproxEqual(wantPitch[c.extent.Addr]) {
			t.Errorf("%s 继承结果: %v %v", c, hs, ps)
		}
		if !c.Displayed() {
			t.Errorf("%s 应显示", c)
		}
	}
	if h.arena.RefCount(rootTex[0]) != 5 {
		t.Errorf("父纹理引用计数 = %d, want 5", h.arena.RefCount(rootTex[0]))
	}

	// 第四帧：子瓦片细化到自身层级，替换继承的引用
	h.frame(t)
	h.frame(t)
	for _, c := range root.Children() {
		hs, ps := c.Textures("osm")
		if c.TextureLevel("osm") != 1 || hs[0] == rootTex[0] || !ps[0].IsIdentity() {
			t.Errorf("%s 细化失败: level=%d pitch=%v", c, c.TextureLevel("osm"), ps)
		}
		if st := c.LayerState("osm").State(); st != layer.StateFinished {
			t.Errorf("%s 已达最高层级, 状态 = %s", c, st)
		}
	}
	if h.arena.RefCount(rootTex[0]) != 1 {
		t.Errorf("替换后父纹理引用计数 = %d, want 1", h.arena.RefCount(rootTex[0]))
	}
}

func TestProcessor_FreshTilesSubdivideWithoutDrops(t *testing.T) {
	const depth = 4
	h := newHarness(t, depth)
	root := h.p.Roots()[0]
	leaves := func() int {
		var count func(n *Node) int
		count = func(n *Node) int {
			if len(n.Children()) == 0 {
				if n.Level() == depth {
					return 1
				}
				return 0
			}
			total := 0
			for _, c := range n.Children() {
				total += count(c)
			}
			return total
		}
		return count(root)
	}

	for i := 0; i < 4*depth && leaves() < 1<<(2*depth); i++ {
		h.frame(t)
	}
	if got := leaves(); got != 1<<(2*depth) {
		t.Fatalf("叶子瓦片 = %d, want %d", got, 1<<(2*depth))
	}
	// 新建瓦片首次细分时已处于显示状态，几何命令不会被丢弃后重发
	want := 1 // 根瓦片几何
	for l := 1; l <= depth; l++ {
		want += 1 << (2 * l)
	}
	if got := h.prov.executedFor("globe"); got != want {
		t.Errorf("几何命令执行 %d 次, want %d", got, want)
	}
}

func TestProcessor_InheritAcrossFiveLevels(t *testing.T) {
	h := newHarness(t, 0)
	parentAddr := geo.TileAddress{Zoom: 3, Row: 2, Col: 5}
	childAddr := geo.TileAddress{Zoom: 8, Row: 2*32 + 17, Col: 5*32 + 9}

	parent := newNode(parentAddr.Extent(), 3, nil, resource.Handle{})
	parent.material.Store(true)
	hParent, _ := h.arena.Insert(resource.KeyFor("osm", parentAddr.Extent(), 3), "tex")
	parent.setSlot(h.color, &textureSlot{handles: []resource.Handle{hParent}, pitches: []geo.Pitch{geo.IdentityPitch}, level: 3})

	child := newNode(childAddr.Extent(), 8, parent, resource.Handle{})
	child.material.Store(true)
	h.p.updateLayer(child, h.color, h.now)

	if h.p.inFlight != 0 {
		t.Fatalf("继承时发起了 %d 个命令", h.p.inFlight)
	}
	hs, ps := child.Textures("osm")
	if len(hs) != 1 || hs[0] != hParent {
		t.Fatalf("未继承父资源: %v", hs)
	}
	want := geo.Pitch{
		OffsetX: float64(childAddr.Col)/32 - 5,
		OffsetY: float64(childAddr.Row)/32 - 2,
		ScaleX:  1.0 / 32,
		ScaleY:  1.0 / 32,
	}
	if !ps[0].ApproxEqual(want) {
		t.Errorf("pitch = %+v, want %+v", ps[0], want)
	}
	if child.TextureLevel("osm") != 3 {
		t.Errorf("继承层级 = %d", child.TextureLevel("osm"))
	}
}

func TestProcessor_FailureNarrowsLevel(t *testing.T) {
	h := newHarness(t, 0)
	h.prov.setFail(func(cmd *scheduler.Command) error {
		if cmd.Layer.ID == "osm" {
			return errors.New("连接被重置")
		}
		return nil
	})
	addr := geo.AddressAt(2.35, 48.85, 16)
	n := newNode(addr.Extent(), 16, nil, resource.Handle{})
	n.material.Store(true)
	n.displayed.Store(true)
	h3, _ := h.arena.Insert(resource.KeyFor("osm", addr.Ancestor(3).Extent(), 3), "tex3")
	n.setSlot(h.color, &textureSlot{handles: []resource.Handle{h3}, pitches: []geo.Pitch{geo.IdentityPitch}, level: 3})

	step := func() {
		h.p.updateLayer(n, h.color, h.now)
		h.flush(t)
	}
	step()
	st := n.LayerState("osm")
	if st.State() != layer.StateError || st.ErrorCount() != 1 {
		t.Fatalf("状态 = %s, 错误次数 %d", st.State(), st.ErrorCount())
	}
	before := h.prov.executedCount()
	step()
	if h.prov.executedCount() != before {
		t.Errorf("退避期间不应重试")
	}

	for i := 0; i < 10 && st.State() == layer.StateError; i++ {
		h.now = h.now.Add(time.Minute)
		step()
	}
	// 每次失败后在当前层级与失败层级之间二分，用完重试预算后永久失败
	want := []string{"globe@0", "osm@16", "osm@10", "osm@7", "osm@5", "osm@4"}
	if fmt.Sprint(h.prov.executed) != fmt.Sprint(want) {
		t.Errorf("请求序列 = %v, want %v", h.prov.executed, want)
	}
	if st.State() != layer.StateDefinitiveError || st.ErrorCount() != layer.MaxRetry+1 {
		t.Errorf("状态 = %s, 错误次数 %d", st.State(), st.ErrorCount())
	}
	if st.FailureParams().LowestLevelError != 4 || n.TextureLevel("osm") != 3 {
		t.Errorf("失败层级 = %d, 纹理层级 = %d", st.FailureParams().LowestLevelError, n.TextureLevel("osm"))
	}
	if st.CanTryUpdate(h.now.Add(time.Hour)) {
		t.Errorf("永久失败后不应再尝试")
	}
}

func TestProcessor_FailureAtLowestLevelFinishes(t *testing.T) {
	h := newHarness(t, 0)
	h.prov.setFail(func(cmd *scheduler.Command) error {
		if cmd.Layer.ID == "osm" {
			return errors.New("超时")
		}
		return nil
	})
	h.frame(t)
	st := h.p.Roots()[0].LayerState("osm")
	if st.State() != layer.StateError {
		t.Fatalf("状态 = %s", st.State())
	}
	h.now = h.now.Add(time.Second)
	n := h.prov.executedCount()
	h.frame(t)
	if st.State() != layer.StateFinished || h.prov.executedCount() != n {
		t.Errorf("没有更低的可用层级时应结束: %s", st.State())
	}
}

func TestProcessor_CancelledTextureIsNotAnError(t *testing.T) {
	h := newHarness(t, 0)
	h.prov.setFail(func(cmd *scheduler.Command) error {
		if cmd.Layer.ID == "osm" {
			return fmt.Errorf("请求被丢弃: %w", scheduler.ErrCancelled)
		}
		return nil
	})
	root := h.p.Roots()[0]
	h.frame(t)
	st := root.LayerState("osm")
	if st.State() != layer.StateIdle || st.ErrorCount() != 0 {
		t.Fatalf("取消不应计为失败: 状态 = %s, 错误次数 %d", st.State(), st.ErrorCount())
	}
	if !st.CanTryUpdate(h.now) {
		t.Fatalf("取消后应允许立即重新请求")
	}
	if root.TextureLevel("osm") != layer.NoLevel {
		t.Errorf("取消的命令不应安装纹理: %d", root.TextureLevel("osm"))
	}

	// 同一时刻的下一帧直接重发，没有退避
	h.prov.setFail(nil)
	before := h.prov.executedCount()
	h.frame(t)
	if h.prov.executedCount() != before+1 {
		t.Errorf("取消后应重新请求, 新增命令 %d", h.prov.executedCount()-before)
	}
	if st.State() != layer.StateIdle || root.TextureLevel("osm") != 0 {
		t.Errorf("重新请求后: 状态 = %s, 纹理层级 %d", st.State(), root.TextureLevel("osm"))
	}
}

func TestProcessor_DefinitiveProviderError(t *testing.T) {
	h := newHarness(t, 0)
	h.prov.setFail(func(cmd *scheduler.Command) error {
		if cmd.Layer.ID == "osm" {
			return fmt.Errorf("解码: %w", provider.ErrUnsupportedFormat)
		}
		return nil
	})
	h.frame(t)
	h.frame(t)
	if st := h.p.Roots()[0].LayerState("osm"); st.State() != layer.StateDefinitiveError || st.ErrorCount() != 1 {
		t.Errorf("格式错误应立即永久失败: %s", st.State())
	}
}

func TestProcessor_EarlyDrop(t *testing.T) {
	h := newHarness(t, 0)
	elev := &layer.Layer{ID: "dem", Kind: layer.KindElevation}
	n := newNode(geo.TileAddress{Zoom: 4}.Extent(), 4, nil, resource.Handle{})
	n.material.Store(true)
	n.displayed.Store(true)
	cmd := func(l *layer.Layer, level int) *scheduler.Command {
		return scheduler.NewCommand(l, n, 1, scheduler.TexturePayload{Level: level})
	}

	if h.p.earlyDrop(cmd(h.color, 4)) {
		t.Errorf("显示中的瓦片不应丢弃")
	}
	n.elevationLevel.Store(5)
	if !h.p.earlyDrop(cmd(elev, 4)) {
		t.Errorf("已绑定更高层级高程时应丢弃")
	}
	if h.p.earlyDrop(cmd(elev, 6)) {
		t.Errorf("更高层级的高程请求不应丢弃")
	}
	n.displayed.Store(false)
	if !h.p.earlyDrop(cmd(h.color, 4)) {
		t.Errorf("不再显示的瓦片应丢弃")
	}
	forced := cmd(h.color, 4)
	forced.Force = true
	if h.p.earlyDrop(forced) {
		t.Errorf("强制命令不应因隐藏而丢弃")
	}
	n.detached.Store(true)
	if !h.p.earlyDrop(forced) {
		t.Errorf("已剪除的瓦片始终丢弃")
	}
}

func TestProcessor_ElevationOutOfOrderDiscarded(t *testing.T) {
	h := newHarness(t, 0)
	elev := &layer.Layer{ID: "dem", Kind: layer.KindElevation, Protocol: "mem", Zoom: layer.ZoomRange{Max: 18}}
	if err := h.p.AddLayer(elev); err != nil {
		t.Fatal(err)
	}
	addr := geo.TileAddress{Zoom: 6, Row: 3, Col: 3}
	n := newNode(addr.Extent(), 6, nil, resource.Handle{})
	n.material.Store(true)
	n.state("dem")

	bound, _ := h.arena.Insert(resource.KeyFor("dem", addr.Ancestor(5).Extent(), 5), "e5")
	n.setSlot(elev, &textureSlot{handles: []resource.Handle{bound}, pitches: []geo.Pitch{geo.IdentityPitch}, level: 5})

	stale, _ := h.arena.Insert(resource.KeyFor("dem", addr.Ancestor(4).Extent(), 4), "e4")
	c := completion{node: n, layer: elev, handles: []resource.Handle{stale},
		cmd: scheduler.NewCommand(elev, n, 1, scheduler.ElevationPayload{Download: scheduler.Download{Level: 4}})}
	if err := h.p.apply(c, h.now); err != nil {
		t.Fatal(err)
	}
	if n.ElevationLevel() != 5 {
		t.Errorf("较低层级的结果不应覆盖: %d", n.ElevationLevel())
	}
	if h.arena.RefCount(stale) != 0 {
		t.Errorf("被丢弃的结果应释放")
	}

	fresh, _ := h.arena.Insert(resource.KeyFor("dem", addr.Extent(), 6), "e6")
	c.handles = []resource.Handle{fresh}
	c.cmd = scheduler.NewCommand(elev, n, 1, scheduler.ElevationPayload{Download: scheduler.Download{Level: 6}})
	if err := h.p.apply(c, h.now); err != nil {
		t.Fatal(err)
	}
	if n.ElevationLevel() != 6 || h.arena.RefCount(bound) != 0 {
		t.Errorf("更高层级应替换并释放旧高程: level=%d refs=%d", n.ElevationLevel(), h.arena.RefCount(bound))
	}
	if h.renderer.elevation[n].Payload != "e6" {
		t.Errorf("渲染端未收到新高程")
	}
	if h.renderer.notified != 2 {
		t.Errorf("每次结算应通知一次, got %d", h.renderer.notified)
	}
}

func TestProcessor_CullAndPrune(t *testing.T) {
	h := newHarness(t, 1)
	root := h.p.Roots()[0]
	h.frame(t)
	h.frame(t)
	h.frame(t)
	if len(root.Children()) != 4 {
		t.Fatalf("子瓦片未挂载")
	}
	live := h.arena.Len()

	// 剔除：隐藏但不销毁
	h.view.culled[root.extent.Addr] = true
	h.frame(t)
	if root.Displayed() || len(root.Children()) != 4 {
		t.Fatalf("剔除后应隐藏且保留子瓦片")
	}
	for _, c := range root.Children() {
		if c.Displayed() {
			t.Errorf("%s 应随父瓦片隐藏", c)
		}
	}

	// 不再需要细分：剪除子瓦片并释放资源，父瓦片重新显示
	delete(h.view.culled, root.extent.Addr)
	h.view.maxLevel = 0
	children := root.Children()
	h.frame(t)
	if len(root.Children()) != 0 || !root.Displayed() {
		t.Fatalf("剪枝失败: %d 子瓦片, displayed=%v", len(root.Children()), root.Displayed())
	}
	if h.renderer.disposed != 4 {
		t.Errorf("Dispose 调用 %d 次", h.renderer.disposed)
	}
	for _, c := range children {
		if !c.Detached() || c.HasMaterial() {
			t.Errorf("%s 应已剪除", c)
		}
	}
	if h.arena.Len() >= live {
		t.Errorf("剪枝后资源应减少: %d -> %d", live, h.arena.Len())
	}
}

func TestProcessor_SubdivisionFailureIsFatal(t *testing.T) {
	h := newHarness(t, 1)
	h.frame(t)
	h.prov.setFail(func(cmd *scheduler.Command) error {
		if cmd.Payload.Kind() == scheduler.PayloadGeometry {
			return errors.New("几何构建失败")
		}
		return nil
	})
	if err := h.p.Update(context.Background(), h.now); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := h.p.drain(h.now)
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("细分失败未上报")
		}
		time.Sleep(time.Millisecond)
	}
	if h.p.Roots()[0].PendingSubdivision() {
		t.Errorf("失败后应清除细分标记")
	}
}

func TestProcessor_CancelledSubdivisionIsSilent(t *testing.T) {
	h := newHarness(t, 1)
	h.frame(t)
	h.prov.setFail(func(cmd *scheduler.Command) error {
		if cmd.Payload.Kind() == scheduler.PayloadGeometry {
			return scheduler.ErrCancelled
		}
		return nil
	})
	h.frame(t)
	root := h.p.Roots()[0]
	if root.PendingSubdivision() || len(root.Children()) != 0 {
		t.Errorf("取消后应静默清除标记: pending=%v children=%d", root.PendingSubdivision(), len(root.Children()))
	}
}
