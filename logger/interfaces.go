package logger

import "log"

// Logger 定义日志记录器的接口，引擎各组件只依赖此接口
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// NopLogger 空日志记录器，测试中常用
type NopLogger struct{}

func (l *NopLogger) Debug(format string, args ...interface{}) {}
func (l *NopLogger) Info(format string, args ...interface{})  {}
func (l *NopLogger) Warn(format string, args ...interface{})  {}
func (l *NopLogger) Error(format string, args ...interface{}) {}

// DefaultLogger 默认日志记录器，全部级别输出到标准 log
type DefaultLogger struct{}

func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	log.Printf("[DEBUG] "+format, args...)
}
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	log.Printf("[INFO] "+format, args...)
}
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	log.Printf("[WARN] "+format, args...)
}
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}

// prefixLogger 为每条日志加上组件前缀
type prefixLogger struct {
	prefix string
	next   Logger
}

// WithPrefix 返回带组件前缀的日志记录器，如 "[scheduler] "
func WithPrefix(l Logger, component string) Logger {
	if l == nil {
		l = GetGlobalLogger()
	}
	return &prefixLogger{prefix: "[" + component + "] ", next: l}
}

func (l *prefixLogger) Debug(format string, args ...interface{}) {
	l.next.Debug(l.prefix+format, args...)
}
func (l *prefixLogger) Info(format string, args ...interface{}) {
	l.next.Info(l.prefix+format, args...)
}
func (l *prefixLogger) Warn(format string, args ...interface{}) {
	l.next.Warn(l.prefix+format, args...)
}
func (l *prefixLogger) Error(format string, args ...interface{}) {
	l.next.Error(l.prefix+format, args...)
}
