// Package logging builds the process logger: JSON lines to a log file and,
// when stderr is an interactive terminal (or no file is usable), a
// human-readable console stream.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a level name to a zap level; unknown names mean info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New returns a logger writing to path ("", "none" or "off" disables the
// file). The returned cleanup flushes and closes the file.
func New(path, level string) (*zap.Logger, func(), error) {
	return build(path, level, stderrIsTerminal())
}

// NewFile is New without the console stream, for commands whose terminal
// output is the result itself.
func NewFile(path, level string) (*zap.Logger, func(), error) {
	return build(path, level, false)
}

func build(path, level string, interactive bool) (*zap.Logger, func(), error) {
	lvl := zap.NewAtomicLevelAt(ParseLevel(level))
	var cores []zapcore.Core
	closeFile := func() {}

	lower := strings.ToLower(path)
	hasFile := false
	if path != "" && lower != "none" && lower != "off" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		enc := zap.NewProductionEncoderConfig()
		enc.TimeKey = "timestamp"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), lvl))
		closeFile = func() { _ = f.Close() }
		hasFile = true
	}

	if interactive || !hasFile {
		enc := zap.NewDevelopmentEncoderConfig()
		if interactive {
			enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), lvl))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, func() {
		_ = logger.Sync()
		closeFile()
	}, nil
}

func stderrIsTerminal() bool {
	info, err := os.Stderr.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
