package layer

import (
	"errors"
	"sort"
)

// NoLevel 表示瓦片在该图层上还没有任何资源
const NoLevel = -1

// StrategyType 选择下一请求层级的策略
type StrategyType string

const (
	// StrategyMinNetworkTraffic 直接请求瓦片自身层级（默认）
	StrategyMinNetworkTraffic StrategyType = "min_network_traffic"
	// StrategyGroup 向下吸附到配置的断点层级，便于多个瓦片共享同一资源
	StrategyGroup StrategyType = "group"
	// StrategyProgressive 每次提升固定层数
	StrategyProgressive StrategyType = "progressive"
	// StrategyDichotomy 每次把剩余层级差减半
	StrategyDichotomy StrategyType = "dichotomy"
)

// StrategyConfig 策略及其参数
type StrategyConfig struct {
	Type        StrategyType `yaml:"type"`
	Breakpoints []int        `yaml:"breakpoints"`
	Increment   int          `yaml:"increment"`
}

func (c *StrategyConfig) normalize() error {
	switch c.Type {
	case "":
		c.Type = StrategyMinNetworkTraffic
	case StrategyMinNetworkTraffic, StrategyDichotomy:
	case StrategyProgressive:
		if c.Increment <= 0 {
			c.Increment = 1
		}
	case StrategyGroup:
		if len(c.Breakpoints) == 0 {
			return errors.New("group 策略缺少 breakpoints")
		}
		sort.Ints(c.Breakpoints)
	default:
		return errors.New("未知策略 " + string(c.Type))
	}
	return nil
}

// NodeLevel 选择层级时需要的瓦片信息
type NodeLevel struct {
	Level       int
	Subdividing bool
}

// ChooseNextLevel 根据策略选择下一次请求的层级，结果限制在 zoom 范围内。
// 已记录失败层级 L 时忽略策略，在 currentLevel 与 L-1 之间二分，且结果恒小于 L；
// 当 L <= zoom.Min 时返回 L-1（低于 zoom.Min），调用方据此判定无法继续更新。
func ChooseNextLevel(strategy StrategyConfig, node NodeLevel, currentLevel int, zoom ZoomRange, fp FailureParams) int {
	var next int
	if fp.HasLevelError() {
		next = dichotomy(fp.LowestLevelError, currentLevel, zoom.Min)
		if next >= fp.LowestLevelError {
			next = fp.LowestLevelError - 1
		}
		if strategy.Type == StrategyGroup {
			next = group(next, strategy.Breakpoints)
		}
		next = zoom.Clamp(next)
		if next >= fp.LowestLevelError {
			next = fp.LowestLevelError - 1
		}
		return next
	}

	switch strategy.Type {
	case StrategyGroup:
		next = group(node.Level, strategy.Breakpoints)
	case StrategyProgressive:
		inc := strategy.Increment
		if inc <= 0 {
			inc = 1
		}
		next = min(node.Level, currentLevel+inc)
	case StrategyDichotomy:
		next = dichotomy(node.Level, currentLevel, zoom.Min)
	default:
		next = node.Level
		if node.Subdividing && currentLevel != NoLevel {
			next = currentLevel
		}
	}
	return zoom.Clamp(next)
}

func dichotomy(nodeLevel, currentLevel, minZoom int) int {
	if currentLevel == NoLevel {
		return minZoom
	}
	sum := currentLevel + nodeLevel
	half := sum / 2
	if sum%2 != 0 && sum > 0 {
		half++
	}
	return min(nodeLevel, half)
}

// group 返回不大于 level 的最大断点；没有满足条件的断点时返回最小断点
func group(level int, breakpoints []int) int {
	if len(breakpoints) == 0 {
		return level
	}
	lowest, best, found := breakpoints[0], 0, false
	for _, b := range breakpoints {
		lowest = min(lowest, b)
		if b <= level && (!found || b > best) {
			best, found = b, true
		}
	}
	if !found {
		return lowest
	}
	return best
}
