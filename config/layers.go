package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"geostream/layer"
)

// LayersFile 图层定义文件结构（用于YAML解析）
type LayersFile struct {
	Layers []*layer.Layer `yaml:"layers"`
}

// LoadLayers 从 YAML 文件加载图层定义。未知字段与重复 id 视为错误，
// 每个图层都经过 Validate；协议相关的校验在加入 Processor 时进行
func LoadLayers(path string) ([]*layer.Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取图层文件失败: %w", err)
	}
	return ParseLayers(data)
}

// ParseLayers 解析 YAML 格式的图层定义
func ParseLayers(data []byte) ([]*layer.Layer, error) {
	var file LayersFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析YAML图层失败: %w", err)
	}
	if len(file.Layers) == 0 {
		return nil, fmt.Errorf("%w: 没有定义任何图层", layer.ErrInvalidLayer)
	}

	seen := make(map[string]bool, len(file.Layers))
	for i, l := range file.Layers {
		if l == nil {
			return nil, fmt.Errorf("%w: 第 %d 个图层为空", layer.ErrInvalidLayer, i)
		}
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("第 %d 个图层: %w", i, err)
		}
		if seen[l.ID] {
			return nil, fmt.Errorf("%w: 图层 %s 重复", layer.ErrInvalidLayer, l.ID)
		}
		seen[l.ID] = true
	}
	return file.Layers, nil
}
