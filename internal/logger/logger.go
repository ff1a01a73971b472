package logger

import (
	"fmt"
	"sync"
)

// global holds the process logger installed by the CLI. A nil current
// means nothing is installed and Get hands out a NullLogger.
var global struct {
	mu      sync.RWMutex
	current *SlogLogger
}

// Init 安裝全域 logger；已安裝時回傳錯誤
func Init(config Config) error {
	l, err := NewSlogLogger(config)
	if err != nil {
		return fmt.Errorf("failed to create slog logger: %w", err)
	}

	global.mu.Lock()
	defer global.mu.Unlock()
	if global.current != nil {
		l.Shutdown()
		return fmt.Errorf("logger already initialized; call Reset or Shutdown first")
	}
	global.current = l
	return nil
}

// Reset closes the installed logger, if any, and installs one built from
// config. A command executed twice in the same process goes through here.
func Reset(config Config) error {
	l, err := NewSlogLogger(config)
	if err != nil {
		return fmt.Errorf("failed to create slog logger: %w", err)
	}

	global.mu.Lock()
	prev := global.current
	global.current = l
	global.mu.Unlock()

	if prev != nil {
		return prev.Shutdown()
	}
	return nil
}

// Get 取得全域 logger，未安裝時回傳 NullLogger
func Get() Logger {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.current == nil {
		return &NullLogger{}
	}
	return global.current
}

// With returns a child of the global logger. Children taken before a
// Reset keep writing to the logger they were taken from.
func With(args ...any) Logger {
	return Get().With(args...)
}

// SetLevel changes the minimum level of the installed logger and every
// child taken from it. It reports the level in effect before the call and
// false when no logger is installed.
func SetLevel(level Level) (Level, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.current == nil {
		return level, false
	}
	prev := global.current.Level()
	global.current.SetLevel(level)
	return prev, true
}

// Shutdown 關閉並卸除全域 logger；未安裝時不做事
func Shutdown() error {
	global.mu.Lock()
	l := global.current
	global.current = nil
	global.mu.Unlock()

	// writers 在鎖外關閉，避免與 Get 互相等待
	if l == nil {
		return nil
	}
	return l.Shutdown()
}

// NullLogger discards everything
type NullLogger struct{}

func (n *NullLogger) Debug(msg string, args ...any) {}
func (n *NullLogger) Info(msg string, args ...any)  {}
func (n *NullLogger) Warn(msg string, args ...any)  {}
func (n *NullLogger) Error(msg string, args ...any) {}
func (n *NullLogger) With(args ...any) Logger       { return n }
func (n *NullLogger) Sync() error                   { return nil }
func (n *NullLogger) Shutdown() error               { return nil }
