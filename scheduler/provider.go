package scheduler

import (
	"context"

	"geostream/geo"
	"geostream/layer"
	"geostream/resource"
)

// Provider 某种数据源协议的实现
type Provider interface {
	// PreprocessDataLayer 图层加入时的一次性校验与默认值补充
	PreprocessDataLayer(l *layer.Layer) error
	// ExecuteCommand 执行下载或构建，返回的句柄各持有一次引用，由调用方负责释放
	ExecuteCommand(ctx context.Context, cmd *Command) ([]resource.Handle, error)
	// TileInsideLimit 瓦片是否落在图层的覆盖范围与层级范围内
	TileInsideLimit(t Tile, l *layer.Layer) bool
	// CanTextureBeImproved 目标范围能否用更精细的资源替换当前资源；不能时返回 nil
	CanTextureBeImproved(l *layer.Layer, extents []geo.Extent, current []resource.Resource, fp layer.FailureParams) []Download
	// TileTextureCount 单个瓦片需要的子请求数量
	TileTextureCount(t Tile, l *layer.Layer) int
}
