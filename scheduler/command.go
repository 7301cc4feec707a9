package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"geostream/geo"
	"geostream/layer"
)

// Tile 调度器与协议提供者看到的瓦片
type Tile interface {
	Extent() geo.Extent
	Level() int
}

// Download 一次下载的描述
type Download struct {
	URL    string
	Extent geo.Extent
	Level  int
}

// PayloadKind 命令载荷类型
type PayloadKind int

const (
	PayloadTexture PayloadKind = iota
	PayloadElevation
	PayloadGeometry
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadTexture:
		return "texture"
	case PayloadElevation:
		return "elevation"
	case PayloadGeometry:
		return "geometry"
	default:
		return "unknown"
	}
}

// Payload 按协议区分的命令载荷，每种只携带自身需要的字段
type Payload interface {
	Kind() PayloadKind
	TargetLevel() int
}

// TexturePayload 颜色图层纹理请求
type TexturePayload struct {
	Downloads []Download
	Level     int
}

func (TexturePayload) Kind() PayloadKind  { return PayloadTexture }
func (p TexturePayload) TargetLevel() int { return p.Level }

// ElevationPayload 高程请求，瓦片最多绑定一个高程资源
type ElevationPayload struct {
	Download Download
}

func (ElevationPayload) Kind() PayloadKind  { return PayloadElevation }
func (p ElevationPayload) TargetLevel() int { return p.Download.Level }

// GeometryPayload 子瓦片几何构建请求
type GeometryPayload struct {
	Extent geo.Extent
	Level  int
}

func (GeometryPayload) Kind() PayloadKind  { return PayloadGeometry }
func (p GeometryPayload) TargetLevel() int { return p.Level }

// DropFunc 出队前判断命令是否应丢弃
type DropFunc func(*Command) bool

// Command 单次请求：创建后最多入队一次，只结算一次
type Command struct {
	ID        uuid.UUID
	Layer     *layer.Layer
	Requester Tile
	Priority  float64
	// Force 为 true 时即便瓦片不再显示也不丢弃
	Force bool
	// Redraw 结算后是否需要重绘
	Redraw    bool
	EarlyDrop DropFunc
	Payload   Payload

	future   *Future
	queuedAt time.Time
	seq      uint64
	index    int
}

// NewCommand 创建命令并分配 ID
func NewCommand(l *layer.Layer, requester Tile, priority float64, payload Payload) *Command {
	return &Command{
		ID:        uuid.New(),
		Layer:     l,
		Requester: requester,
		Priority:  priority,
		Payload:   payload,
		index:     -1,
	}
}

// TargetLevel 载荷请求的层级
func (c *Command) TargetLevel() int {
	if c.Payload == nil {
		return layer.NoLevel
	}
	return c.Payload.TargetLevel()
}

// QueuedAt 入队时间，未入队为零值
func (c *Command) QueuedAt() time.Time { return c.queuedAt }

func (c *Command) shouldDrop() bool {
	return c.EarlyDrop != nil && c.EarlyDrop(c)
}

func (c *Command) validate() error {
	if c.Layer == nil || c.Payload == nil {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, c.ID)
	}
	return nil
}

func (c *Command) String() string {
	lid := "<nil>"
	if c.Layer != nil {
		lid = c.Layer.ID
	}
	kind := "none"
	if c.Payload != nil {
		kind = c.Payload.Kind().String()
	}
	return fmt.Sprintf("cmd[%s %s/%s lvl=%d pri=%g]", c.ID.String()[:8], lid, kind, c.TargetLevel(), c.Priority)
}
