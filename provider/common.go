package provider

import (
	"context"
	"fmt"
	"strings"

	"geostream/geo"
	"geostream/layer"
	"geostream/resource"
	"geostream/scheduler"
)

var supportedFormats = map[layer.Kind]map[string]bool{
	layer.KindColor: {
		"image/png":  true,
		"image/jpeg": true,
		"image/webp": true,
	},
	layer.KindElevation: {
		"image/png":                true,
		"image/x-bil;bits=32":      true,
		"application/octet-stream": true,
	},
}

// checkFormat 补充默认格式并校验；几何图层没有格式
func checkFormat(l *layer.Layer) error {
	formats, ok := supportedFormats[l.Kind]
	if !ok {
		return fmt.Errorf("%w: 图层 %s 的 kind %s 不能由下载协议提供", layer.ErrInvalidLayer, l.ID, l.Kind)
	}
	if l.Format == "" {
		l.Format = "image/png"
		if l.Kind == layer.KindElevation {
			l.Format = "image/x-bil;bits=32"
		}
	}
	if !formats[strings.ToLower(l.Format)] {
		return fmt.Errorf("%w: %w: 图层 %s 格式 %s", layer.ErrInvalidLayer, ErrUnsupportedFormat, l.ID, l.Format)
	}
	return nil
}

// needsImprovement 当前资源数量不符，或任一资源层级低于目标层级时需要下载
func needsImprovement(extents []geo.Extent, current []resource.Resource, fp layer.FailureParams) bool {
	if len(extents) == 0 {
		return false
	}
	if fp.HasLevelError() && fp.TargetLevel >= fp.LowestLevelError {
		return false
	}
	if len(current) != len(extents) {
		return true
	}
	for _, r := range current {
		if r.Key.Level < fp.TargetLevel {
			return true
		}
	}
	return false
}

// fetchAll 下载每个 Download 并存入 arena；同一资源已存在时直接增加引用。
// 任一失败时释放已取得的句柄
func fetchAll(ctx context.Context, f *Fetcher, arena *resource.Arena, l *layer.Layer, downloads []scheduler.Download) ([]resource.Handle, error) {
	handles := make([]resource.Handle, 0, len(downloads))
	for _, d := range downloads {
		if err := ctx.Err(); err != nil {
			arena.ReleaseAll(handles)
			return nil, fmt.Errorf("%w: %v", scheduler.ErrCancelled, err)
		}
		d := d
		h, err := arena.GetOrCreate(resource.KeyFor(l.ID, d.Extent, d.Level), func() (any, error) {
			data, err := f.Fetch(ctx, l.ID, d)
			if err != nil {
				return nil, err
			}
			if l.Kind == layer.KindElevation {
				return &Elevation{Layer: l.ID, Extent: d.Extent, Level: d.Level, Format: l.Format, Data: data}, nil
			}
			return &Texture{Layer: l.ID, Extent: d.Extent, Level: d.Level, Format: l.Format, Data: data}, nil
		})
		if err != nil {
			arena.ReleaseAll(handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// downloadsOf 取出纹理或高程载荷中的下载列表
func downloadsOf(cmd *scheduler.Command) ([]scheduler.Download, error) {
	switch p := cmd.Payload.(type) {
	case scheduler.TexturePayload:
		return p.Downloads, nil
	case scheduler.ElevationPayload:
		return []scheduler.Download{p.Download}, nil
	default:
		return nil, fmt.Errorf("%w: 载荷类型 %s", scheduler.ErrInvalidCommand, cmd.Payload.Kind())
	}
}
