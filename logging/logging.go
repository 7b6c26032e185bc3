// Package logging builds the zap loggers used by transports and the CLI.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the logger.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
	// Outputs are "stdout", "stderr" or file paths. Files are rotated.
	Outputs   []string `mapstructure:"outputs"`
	AddCaller bool     `mapstructure:"add_caller"`

	MaxSize    int  `mapstructure:"max_size"`    // MB, default 100
	MaxBackups int  `mapstructure:"max_backups"` // default 3
	MaxAge     int  `mapstructure:"max_age"`     // days, default 30
	Compress   bool `mapstructure:"compress"`
}

// ParseLevel maps a level name to a zap level. Unknown names are an error.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, errors.Errorf("unknown log level %q", name)
	}
}

// New builds a logger from cfg. With no outputs it logs to stderr, leaving
// stdout to the program.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoder := newEncoder(cfg.Format)
	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	cores := make([]zapcore.Core, 0, len(outputs))
	for _, out := range outputs {
		cores = append(cores, zapcore.NewCore(encoder, writeSyncer(out, cfg), zap.NewAtomicLevelAt(level)))
	}

	var opts []zap.Option
	if cfg.AddCaller {
		opts = append(opts, zap.AddCaller())
	}
	opts = append(opts, zap.AddStacktrace(zap.ErrorLevel))

	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

// NewWriter builds a logger writing to w, mainly for tests and embedding.
func NewWriter(w io.Writer, format string, level zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(newEncoder(format), zapcore.AddSync(w), level))
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

func writeSyncer(out string, cfg Config) zapcore.WriteSyncer {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	}

	writer := &lumberjack.Logger{
		Filename:   out,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	if writer.MaxSize == 0 {
		writer.MaxSize = 100
	}
	if writer.MaxBackups == 0 {
		writer.MaxBackups = 3
	}
	if writer.MaxAge == 0 {
		writer.MaxAge = 30
	}
	return zapcore.AddSync(writer)
}
