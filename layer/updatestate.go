package layer

import (
	"math"
	"time"
)

// State 单个 (瓦片,图层) 的更新状态
type State int

const (
	StateIdle State = iota
	StatePending
	StateError
	StateDefinitiveError
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateError:
		return "error"
	case StateDefinitiveError:
		return "definitive_error"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// MaxRetry 连续失败超过该次数后，下一次失败即判定为永久错误
const MaxRetry = 4

// pauseBetweenErrors 按失败次数递增的重试间隔，第 4 次以后固定为 60 秒
var pauseBetweenErrors = [...]time.Duration{
	1 * time.Second,
	3 * time.Second,
	7 * time.Second,
	60 * time.Second,
}

// NoLevelError 表示尚未记录过失败层级
const NoLevelError = math.MaxInt32

// FailureParams 失败时携带的层级信息
type FailureParams struct {
	// TargetLevel 本次请求的目标层级，NoLevel 表示未知
	TargetLevel int
	// LowestLevelError 已知失败的最低层级，NoLevelError 表示无
	LowestLevelError int
}

// DefaultFailureParams 没有任何失败记录
func DefaultFailureParams() FailureParams {
	return FailureParams{TargetLevel: NoLevel, LowestLevelError: NoLevelError}
}

// HasLevelError 是否记录过失败层级
func (p FailureParams) HasLevelError() bool { return p.LowestLevelError != NoLevelError }

// Backoff 第 errorCount 次失败后的等待时间
func Backoff(errorCount int) time.Duration {
	if errorCount <= 0 {
		return 0
	}
	idx := errorCount
	if idx > len(pauseBetweenErrors) {
		idx = len(pauseBetweenErrors)
	}
	return pauseBetweenErrors[idx-1]
}

// UpdateState 控制某个 (瓦片,图层) 是否以及何时允许再次请求
// 仅由所属瓦片的更新逻辑在单一 goroutine 中修改
type UpdateState struct {
	state              State
	lastErrorTimestamp time.Time
	errorCount         int
	failureParams      FailureParams
}

// NewUpdateState 创建空闲状态
func NewUpdateState() *UpdateState {
	return &UpdateState{state: StateIdle, failureParams: DefaultFailureParams()}
}

// CanTryUpdate 判断 now 时刻是否允许发起新的请求
func (s *UpdateState) CanTryUpdate(now time.Time) bool {
	switch s.state {
	case StateIdle:
		return true
	case StateError:
		return now.Sub(s.lastErrorTimestamp) >= Backoff(s.errorCount)
	default:
		return false
	}
}

// SecondsUntilNextTry 距离下一次允许重试的秒数，非错误状态返回 0
func (s *UpdateState) SecondsUntilNextTry(now time.Time) float64 {
	if s.state != StateError {
		return 0
	}
	left := Backoff(s.errorCount) - now.Sub(s.lastErrorTimestamp)
	if left < 0 {
		return 0
	}
	return left.Seconds()
}

// NewTry 发起请求
func (s *UpdateState) NewTry() {
	s.state = StatePending
}

// Success 请求完成（取消同样按成功处理，不消耗重试次数）
func (s *UpdateState) Success() {
	s.lastErrorTimestamp = time.Time{}
	s.state = StateIdle
}

// NoMoreUpdatePossible 瓦片永久超出图层范围或已达可用的最高精度
func (s *UpdateState) NoMoreUpdatePossible() {
	s.state = StateFinished
}

// Failure 记录一次失败；params 非空且带目标层级时收窄已知失败层级
func (s *UpdateState) Failure(timestamp time.Time, definitive bool, params *FailureParams) {
	if params != nil && params.TargetLevel != NoLevel && params.TargetLevel < s.failureParams.LowestLevelError {
		s.failureParams.LowestLevelError = params.TargetLevel
	}
	s.lastErrorTimestamp = timestamp
	s.errorCount++
	if definitive {
		s.state = StateDefinitiveError
	} else {
		s.state = StateError
	}
}

// ExceedsRetryBudget 已失败次数是否用完重试预算（下一次失败应判定为永久）
func (s *UpdateState) ExceedsRetryBudget() bool {
	return s.errorCount >= MaxRetry
}

// InError 是否处于错误状态（可恢复或永久）
func (s *UpdateState) InError() bool {
	return s.state == StateError || s.state == StateDefinitiveError
}

func (s *UpdateState) State() State                 { return s.state }
func (s *UpdateState) ErrorCount() int              { return s.errorCount }
func (s *UpdateState) FailureParams() FailureParams { return s.failureParams }
