package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	OutputPath  string // 输出路径，默认 "stdout"
	Development bool   // 开发模式
	File        string // 日志文件路径，为空时不写文件
	MaxSizeMB   int    // 单个日志文件大小上限(MB)
	MaxBackups  int    // 保留的历史文件数
	MaxAgeDays  int    // 保留天数
}

// New 创建新的 logger 实例
func New(config Config) (*zap.Logger, error) {
	// 解析日志级别
	var level zapcore.Level
	switch config.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      config.Development,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{config.OutputPath},
		ErrorOutputPaths: []string{"stderr"},
	}

	if config.OutputPath == "" {
		zapConfig.OutputPaths = []string{"stdout"}
	}
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	// JSON 格式更适合生产环境
	if !config.Development {
		zapConfig.Encoding = "json"
		zapConfig.EncoderConfig = zap.NewProductionEncoderConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	base, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	// 附加滚动日志文件输出
	if config.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    orDefault(config.MaxSizeMB, 100),
			MaxBackups: orDefault(config.MaxBackups, 5),
			MaxAge:     orDefault(config.MaxAgeDays, 14),
			Compress:   true,
		}
		encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		fileCore := zapcore.NewCore(encoder, zapcore.AddSync(rotator), level)
		base = base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	return base, nil
}

// NewDefault 创建默认 logger
func NewDefault() *zap.Logger {
	logger, err := New(Config{
		Level:       "info",
		OutputPath:  "stdout",
		Development: false,
	})
	if err != nil {
		// 如果创建失败，返回 nop logger
		return zap.NewNop()
	}
	return logger
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
