package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 封装 zap 日志器，级别可在运行时调整。
type Logger struct {
	*zap.Logger
	level  zap.AtomicLevel
	config Config
	files  []*os.File
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, stderr, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
	Format     string   `yaml:"format"`      // json 或 console
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Outputs: []string{"stdout"},
		Format:  "json",
	}
}

// New 按配置组合输出；错误文件只接收 error 及以上级别，不跟随级别热更新。
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	atom := zap.NewAtomicLevelAt(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	newEncoder := func() zapcore.Encoder { return zapcore.NewJSONEncoder(encCfg) }
	if cfg.Format == "console" {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		newEncoder = func() zapcore.Encoder { return zapcore.NewConsoleEncoder(consoleCfg) }
	}

	l := &Logger{level: atom, config: cfg}
	var cores []zapcore.Core
	for _, out := range cfg.Outputs {
		switch strings.ToLower(out) {
		case "stdout":
			cores = append(cores, zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stdout), atom))
		case "stderr":
			cores = append(cores, zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), atom))
		case "file":
			if cfg.OutputFile == "" {
				return nil, fmt.Errorf("log output file is required for file output")
			}
			f, err := openLogFile(cfg.OutputFile)
			if err != nil {
				l.closeFiles()
				return nil, err
			}
			l.files = append(l.files, f)
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), atom))
		default:
			l.closeFiles()
			return nil, fmt.Errorf("unknown log output %q", out)
		}
	}
	if cfg.ErrorFile != "" {
		f, err := openLogFile(cfg.ErrorFile)
		if err != nil {
			l.closeFiles()
			return nil, err
		}
		l.files = append(l.files, f)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.ErrorLevel))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stdout), atom))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir failed: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file failed: %w", err)
	}
	return f, nil
}

// SetLevel 热更新日志级别。
func (l *Logger) SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", level, err)
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level 当前级别。
func (l *Logger) Level() string { return l.level.Level().String() }

// LogOrder 记录订单相关事件
func (l *Logger) LogOrder(event, clientID string, fields map[string]interface{}) {
	l.Info("order_event", eventFields(fields,
		zap.String("event", event),
		zap.String("client_id", clientID))...)
}

// LogIntent 延迟意图状态变化。
func (l *Logger) LogIntent(event, kind, id string, fields map[string]interface{}) {
	l.Info("intent_event", eventFields(fields,
		zap.String("event", event),
		zap.String("kind", kind),
		zap.String("id", id))...)
}

// LogStream 推送流生命周期事件，断线/重建用 warn。
func (l *Logger) LogStream(event, stream string, fields map[string]interface{}) {
	fs := eventFields(fields, zap.String("event", event), zap.String("stream", stream))
	switch event {
	case "stream_disconnected", "stream_rebuild", "keepalive_failed":
		l.Warn("stream_event", fs...)
	default:
		l.Info("stream_event", fs...)
	}
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	l.Error("error_event", eventFields(context, zap.Error(err))...)
}

// WithFields 添加字段返回新的logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(eventFields(fields)...), level: l.level, config: l.config}
}

// eventFields 固定字段在前，map 字段按 key 排序保证输出稳定。
func eventFields(fields map[string]interface{}, head ...zap.Field) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(head)+len(keys))
	out = append(out, head...)
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// Close 刷盘并关闭日志文件；stdout/stderr 的 Sync 错误（EINVAL）忽略。
func (l *Logger) Close() error {
	_ = l.Sync()
	return l.closeFiles()
}

func (l *Logger) closeFiles() error {
	var errs error
	for _, f := range l.files {
		errs = multierr.Append(errs, f.Close())
	}
	l.files = nil
	return errs
}
