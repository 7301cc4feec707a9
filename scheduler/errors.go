package scheduler

import "errors"

// 错误定义
var (
	// ErrCancelled 命令在执行前被丢弃，或调度器已关闭；不计入重试次数
	ErrCancelled = errors.New("command cancelled")

	// ErrUnknownProtocol 没有为图层协议注册提供者
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrDuplicateProvider 协议已注册
	ErrDuplicateProvider = errors.New("protocol provider already registered")

	// ErrInvalidCommand 命令缺少图层或载荷
	ErrInvalidCommand = errors.New("invalid command")

	// ErrProviderPanic 提供者执行时发生 panic
	ErrProviderPanic = errors.New("provider panicked")
)

// IsCancelled 判断错误是否为取消
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
