package wsbridge

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the zap logger used on the hot path. When logging
// is disabled (§6.3 enableLogging=false, the default) it returns a
// no-op logger so every call site stays a single branch-and-return
// instead of a live log.Printf.
func newLogger(enabled bool) *zap.SugaredLogger {
	if !enabled {
		return zap.NewNop().Sugar()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		// Logging is an ambient concern; never let it prevent startup.
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// NewLogger builds the same structured logger wsbridge uses internally,
// exported so cmd/ binaries and other callers can log in a consistent
// style instead of reaching for log.Printf.
func NewLogger(enabled bool) *zap.SugaredLogger {
	return newLogger(enabled)
}

// FileLoggerOption configures NewFileLogger's rotation policy.
type FileLoggerOption struct {
	Filename   string // path to the active log file
	MaxSizeMB  int    // rotate after the file reaches this size
	MaxBackups int    // old rotated files to retain
	MaxAgeDays int    // days to retain old rotated files
}

// NewFileLogger builds a structured logger that writes JSON lines through
// a rotating lumberjack writer instead of stdout, for long-running cmd/
// binaries that want their logs on disk rather than lost with the
// terminal. Rotation defaults mirror lumberjack's own zero-value
// behavior (never rotate on age/backups) when left unset.
func NewFileLogger(opt FileLoggerOption) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opt.Filename,
		MaxSize:    opt.MaxSizeMB,
		MaxBackups: opt.MaxBackups,
		MaxAge:     opt.MaxAgeDays,
		LocalTime:  true,
	})

	core := zapcore.NewCore(encoder, writer, zapcore.InfoLevel)
	return zap.New(core, zap.AddCaller()).Sugar()
}

// truncateForLog shortens long strings to 20 bytes, appending the
// original size so the omission is visible. HandleWebSocket uses it for
// the close reason it sends when a connection ends with an error.
func truncateForLog(s string) string {
	const maxLen = 20
	if len(s) <= maxLen {
		return s
	}
	return fmt.Sprintf("%s... (size: %d)", s[:maxLen], len(s))
}
