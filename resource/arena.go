package resource

import (
	"errors"
	"fmt"
	"sync"

	"geostream/geo"
)

// ErrStaleHandle 句柄已失效（资源已释放，槽位可能被复用）
var ErrStaleHandle = errors.New("stale resource handle")

// Key 资源标识：同一图层、层级与范围（含坐标系）的资源只保存一份
type Key struct {
	Layer  string
	Level  int
	Extent geo.Extent
}

// KeyFor 由范围构造资源标识
func KeyFor(layerID string, extent geo.Extent, level int) Key {
	return Key{Layer: layerID, Level: level, Extent: extent}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d %s", k.Layer, k.Level, k.Extent)
}

// Handle 指向 Arena 槽位的计数引用；零值无效
type Handle struct {
	index uint32
	gen   uint32
}

// Valid 句柄是否非零
func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string { return fmt.Sprintf("#%d.%d", h.index, h.gen) }

// Resource 渲染端持有的不透明资源（纹理、几何等）
type Resource struct {
	Key     Key
	Payload any
}

type slot struct {
	res  Resource
	refs int
	gen  uint32
	live bool
}

// ReleaseFunc 引用计数归零时调用，用于释放渲染端存储
type ReleaseFunc func(Resource)

// Arena 按 Key 去重、按句柄计数的资源存储
type Arena struct {
	mu      sync.Mutex
	slots   []slot
	free    []uint32
	index   map[Key]uint32
	release ReleaseFunc
}

// NewArena 创建资源存储，release 可为 nil
func NewArena(release ReleaseFunc) *Arena {
	return &Arena{
		index:   make(map[Key]uint32),
		release: release,
	}
}

// Acquire 查找已有资源并增加引用
func (a *Arena) Acquire(key Key) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.index[key]
	if !ok {
		return Handle{}, false
	}
	s := &a.slots[idx]
	s.refs++
	return Handle{index: idx, gen: s.gen}, true
}

// Insert 存入资源并返回引用计数为 1 的句柄；
// 同一 Key 已存在时丢弃 payload，返回已有资源的新引用
func (a *Arena) Insert(key Key, payload any) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.index[key]; ok {
		s := &a.slots[idx]
		s.refs++
		return Handle{index: idx, gen: s.gen}, false
	}

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.res = Resource{Key: key, Payload: payload}
	s.refs = 1
	s.live = true
	a.index[key] = idx
	return Handle{index: idx, gen: s.gen}, true
}

// GetOrCreate 已存在则增加引用，否则调用 create 构建后存入。
// create 在锁外执行，并发构建同一 Key 时只保留先完成的一份
func (a *Arena) GetOrCreate(key Key, create func() (any, error)) (Handle, error) {
	if h, ok := a.Acquire(key); ok {
		return h, nil
	}
	payload, err := create()
	if err != nil {
		return Handle{}, err
	}
	h, inserted := a.Insert(key, payload)
	if !inserted && a.release != nil {
		a.release(Resource{Key: key, Payload: payload})
	}
	return h, nil
}

func (a *Arena) lookup(h Handle) (*slot, error) {
	if !h.Valid() || int(h.index) >= len(a.slots) {
		return nil, ErrStaleHandle
	}
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return s, nil
}

// Retain 增加一次引用
func (a *Arena) Retain(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.refs++
	return nil
}

// Release 减少一次引用，归零时回收槽位并调用释放回调
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	s, err := a.lookup(h)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	s.refs--
	if s.refs > 0 {
		a.mu.Unlock()
		return nil
	}
	res := s.res
	delete(a.index, res.Key)
	s.live = false
	s.res = Resource{}
	a.free = append(a.free, h.index)
	a.mu.Unlock()

	if a.release != nil {
		a.release(res)
	}
	return nil
}

// ReleaseAll 依次释放一组句柄，忽略已失效的句柄
func (a *Arena) ReleaseAll(hs []Handle) {
	for _, h := range hs {
		if h.Valid() {
			_ = a.Release(h)
		}
	}
}

// Get 读取资源
func (a *Arena) Get(h Handle) (Resource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return Resource{}, err
	}
	return s.res, nil
}

// RefCount 当前引用数，失效句柄返回 0
func (a *Arena) RefCount(h Handle) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return 0
	}
	return s.refs
}

// Len 存活资源数量
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.index)
}
