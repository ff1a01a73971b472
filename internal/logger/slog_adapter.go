package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SlogLogger slog 實作，擁有輸出 writers
type SlogLogger struct {
	entry
	level   *slog.LevelVar
	writers []io.WriteCloser // 需要關閉的 writers
}

// entry 共用的記錄邏輯，子 logger 只持有 entry
type entry struct {
	logger    *slog.Logger
	sanitizer *Sanitizer
}

// NewSlogLogger 建立新的 slog logger
func NewSlogLogger(config Config) (*SlogLogger, error) {
	var writers []io.Writer
	var closeable []io.WriteCloser

	for _, output := range config.Outputs {
		switch output.Type {
		case OutputStdout, OutputStderr:
			w := output.Writer
			if w == nil {
				w = os.Stdout
				if output.Type == OutputStderr {
					w = os.Stderr
				}
			} else if wc, ok := w.(io.WriteCloser); ok && !isStdStream(wc) {
				closeable = append(closeable, wc)
			}
			writers = append(writers, w)
		case OutputFile:
			if !config.File.Enabled {
				continue
			}
			fw, err := createFileWriter(config.File)
			if err != nil {
				return nil, fmt.Errorf("failed to create file writer: %w", err)
			}
			writers = append(writers, fw)
			closeable = append(closeable, fw)
		}
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	level := new(slog.LevelVar)
	level.Set(convertLevel(config.Level))
	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}

	out := io.MultiWriter(writers...)
	var handler slog.Handler
	if config.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &SlogLogger{
		entry:   entry{logger: slog.New(handler), sanitizer: NewSanitizer()},
		level:   level,
		writers: closeable,
	}, nil
}

func isStdStream(w io.WriteCloser) bool {
	return w == os.Stdout || w == os.Stderr || w == os.Stdin
}

// createFileWriter 建立檔案 writer（使用 lumberjack 支援 rotation）
func createFileWriter(config FileConfig) (io.WriteCloser, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("log file path cannot be empty")
	}

	// 確保目錄存在
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSizeMB,
		MaxAge:     config.MaxAgeDays,
		MaxBackups: config.MaxBackups,
		Compress:   config.Compress,
	}, nil
}

// convertLevel 轉換內部 Level 到 slog.Level
func convertLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel 調整最低輸出級別，子 logger 一併生效
func (l *SlogLogger) SetLevel(level Level) {
	l.level.Set(convertLevel(level))
}

// Level 回傳目前的最低輸出級別
func (l *SlogLogger) Level() Level {
	switch v := l.level.Level(); {
	case v <= slog.LevelDebug:
		return LevelDebug
	case v <= slog.LevelInfo:
		return LevelInfo
	case v <= slog.LevelWarn:
		return LevelWarn
	default:
		return LevelError
	}
}

// Sync 強制 flush 所有緩衝
func (l *SlogLogger) Sync() error {
	// lumberjack 每次 Write 直接寫檔，沒有額外緩衝
	return nil
}

// Shutdown 優雅關閉，關閉所有 writers
func (l *SlogLogger) Shutdown() error {
	var lastErr error
	for _, w := range l.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (e entry) Debug(msg string, args ...any) { e.log(slog.LevelDebug, msg, args) }
func (e entry) Info(msg string, args ...any)  { e.log(slog.LevelInfo, msg, args) }
func (e entry) Warn(msg string, args ...any)  { e.log(slog.LevelWarn, msg, args) }
func (e entry) Error(msg string, args ...any) { e.log(slog.LevelError, msg, args) }

func (e entry) log(level slog.Level, msg string, args []any) {
	e.logger.Log(context.Background(), level, e.sanitizer.Sanitize(msg), e.sanitizer.SanitizeArgs(args)...)
}

// With 建立帶 context 的子 logger；子 logger 不擁有 writers，避免重複關閉
func (e entry) With(args ...any) Logger {
	return &childLogger{entry{
		logger:    e.logger.With(e.sanitizer.SanitizeArgs(args)...),
		sanitizer: e.sanitizer,
	}}
}

// childLogger 子 logger
type childLogger struct {
	entry
}

func (c *childLogger) Sync() error     { return nil }
func (c *childLogger) Shutdown() error { return nil }
