package logger

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config drives how the zap logger is built.
type Config struct {
	Development bool
	Level       string
	// Encoding is "json" or "console"; empty picks console in development.
	Encoding string
	// Service is attached to every entry as the "service" field.
	Service string
	// Stderr sends all output to stderr, keeping stdout free for command output.
	Stderr bool
}

// FromEnv reads APP_ENV, LOG_LEVEL and LOG_ENCODING.
func FromEnv(service string) Config {
	return Config{
		Development: os.Getenv("APP_ENV") != "production",
		Level:       os.Getenv("LOG_LEVEL"),
		Encoding:    os.Getenv("LOG_ENCODING"),
		Service:     service,
	}
}

var (
	mu     sync.Mutex
	global *zap.Logger
)

// Init builds a logger from cfg and keeps it for Sync.
func Init(cfg Config) (*zap.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		_ = global.Sync()
	}
	global = l
	return l, nil
}

// MustInit is Init for main packages.
func MustInit(cfg Config) *zap.Logger {
	l, err := Init(cfg)
	if err != nil {
		panic(err)
	}
	return l
}

// Sync flushes the logger built by Init. Sync errors from terminals are
// ignored.
func Sync() error {
	mu.Lock()
	l := global
	mu.Unlock()
	if l == nil {
		return nil
	}

	if err := l.Sync(); err != nil && !errors.Is(err, syscall.ENOTTY) && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// New returns a zap.Logger configured according to cfg.
func New(cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Encoding != "" {
		zapCfg.Encoding = cfg.Encoding
	}
	if cfg.Encoding != "json" && cfg.Encoding != "console" && cfg.Encoding != "" {
		return nil, fmt.Errorf("logger: unknown encoding %q", cfg.Encoding)
	}

	out := os.Stdout
	if cfg.Stderr {
		out = os.Stderr
		zapCfg.OutputPaths = []string{"stderr"}
	}
	zapCfg.EncoderConfig = encoderConfig(zapCfg.Encoding, isTerminal(out))

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("logger: invalid level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	if cfg.Service != "" {
		zapCfg.InitialFields = map[string]any{"service": cfg.Service}
	}

	return zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

func encoderConfig(encoding string, colored bool) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
	}
	if encoding != "console" {
		return cfg
	}

	cfg.ConsoleSeparator = " | "
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime + ".000")
	cfg.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		label := fmt.Sprintf("%-5s", level.CapitalString())
		if colored {
			label = levelColor(level) + label + colorReset
		}
		enc.AppendString(label)
	}
	return cfg
}

func isTerminal(f *os.File) bool {
	return os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(f.Fd()))
}

const colorReset = "\x1b[0m"

func levelColor(level zapcore.Level) string {
	switch {
	case level <= zapcore.DebugLevel:
		return "\x1b[36m"
	case level == zapcore.InfoLevel:
		return "\x1b[32m"
	case level == zapcore.WarnLevel:
		return "\x1b[33m"
	case level == zapcore.ErrorLevel, level == zapcore.FatalLevel:
		return "\x1b[31m"
	default:
		return "\x1b[35m"
	}
}
