package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

var (
	globalLogger Logger
	loggerOnce   sync.Once
	loggerMu     sync.RWMutex
)

func SetGlobalLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		globalLogger = &DefaultLogger{}
	} else {
		globalLogger = l
	}
}

func GetGlobalLogger() Logger {
	loggerOnce.Do(func() {
		loggerMu.Lock()
		if globalLogger == nil {
			globalLogger = &DefaultLogger{}
		}
		loggerMu.Unlock()
	})
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}

func Debug(format string, args ...interface{}) { GetGlobalLogger().Debug(format, args...) }
func Info(format string, args ...interface{})  { GetGlobalLogger().Info(format, args...) }
func Warn(format string, args ...interface{})  { GetGlobalLogger().Warn(format, args...) }
func Error(format string, args ...interface{}) { GetGlobalLogger().Error(format, args...) }

// Level 日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel 解析配置中的级别名称，空串按 info 处理
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("未知日志级别: %s", s)
	}
}

// LevelLogger 按级别过滤并写入 io.Writer
type LevelLogger struct {
	min    Level
	logger *log.Logger
}

// NewConsoleLogger 输出到标准错误
func NewConsoleLogger(min Level) *LevelLogger {
	return &LevelLogger{min: min, logger: log.New(os.Stderr, "", log.LstdFlags)}
}

// NewWriterLogger 输出到任意 io.Writer
func NewWriterLogger(w io.Writer, min Level) *LevelLogger {
	return &LevelLogger{min: min, logger: log.New(w, "", log.LstdFlags)}
}

func (l *LevelLogger) Debug(format string, args ...interface{}) {
	if l.min <= LevelDebug {
		l.logger.Printf("[DEBUG] "+format, args...)
	}
}
func (l *LevelLogger) Info(format string, args ...interface{}) {
	if l.min <= LevelInfo {
		l.logger.Printf("[INFO] "+format, args...)
	}
}
func (l *LevelLogger) Warn(format string, args ...interface{}) {
	if l.min <= LevelWarn {
		l.logger.Printf("[WARN] "+format, args...)
	}
}
func (l *LevelLogger) Error(format string, args ...interface{}) {
	l.logger.Printf("[ERROR] "+format, args...)
}

// FileLogger 追加写入日志文件
type FileLogger struct {
	*LevelLogger
	file *os.File
}

func NewFileLogger(filename string, min Level) (*FileLogger, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("无法打开日志文件 %s: %v", filename, err)
	}
	return &FileLogger{LevelLogger: NewWriterLogger(file, min), file: file}, nil
}

func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// MultiLogger 同时写入多个日志记录器
type MultiLogger struct{ loggers []Logger }

func NewMultiLogger(loggers ...Logger) *MultiLogger { return &MultiLogger{loggers: loggers} }
func (l *MultiLogger) Debug(format string, args ...interface{}) {
	for _, lg := range l.loggers {
		lg.Debug(format, args...)
	}
}
func (l *MultiLogger) Info(format string, args ...interface{}) {
	for _, lg := range l.loggers {
		lg.Info(format, args...)
	}
}
func (l *MultiLogger) Warn(format string, args ...interface{}) {
	for _, lg := range l.loggers {
		lg.Warn(format, args...)
	}
}
func (l *MultiLogger) Error(format string, args ...interface{}) {
	for _, lg := range l.loggers {
		lg.Error(format, args...)
	}
}

// New 根据级别与可选日志文件构造日志记录器；返回的 closer 用于关闭文件
func New(level, file string) (Logger, io.Closer, error) {
	min, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	console := NewConsoleLogger(min)
	if file == "" {
		return console, nopCloser{}, nil
	}
	fl, err := NewFileLogger(file, min)
	if err != nil {
		return nil, nil, err
	}
	return NewMultiLogger(console, fl), fl, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
