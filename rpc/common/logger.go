package common

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerNames lists the package loggers of the proxy
var LoggerNames = []string{"netlib", "conn", "worker", "proxy", "rpc"}

// --------------------------------------------------------------------------
// Text Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// textLogger writes "LEVEL | package | message" lines
type textLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *textLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *textLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *textLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *textLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *textLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *textLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *textLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-7s | %s", levelStr, l.name, message)
}

// CreateLogger is the logger factory of the text format
func CreateLogger(pkgName string) logger.ILogger {
	return &textLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// --------------------------------------------------------------------------
// JSON Logger (zap backend)
// --------------------------------------------------------------------------

// zapLogger keeps the level check on the dragonboat side, the zap core
// itself logs everything from debug upwards
type zapLogger struct {
	level logger.LogLevel
	sugar *zap.SugaredLogger
}

func (l *zapLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.sugar.Debugf(format, args...)
	}
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.sugar.Infof(format, args...)
	}
}

func (l *zapLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.sugar.Warnf(format, args...)
	}
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.sugar.Errorf(format, args...)
	}
}

func (l *zapLogger) Panicf(format string, args ...interface{}) {
	l.sugar.Panicf(format, args...)
}

var (
	zapOnce sync.Once
	zapBase *zap.Logger
)

// CreateZapLogger is the logger factory of the json format
func CreateZapLogger(pkgName string) logger.ILogger {
	zapOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.OutputPaths = []string{"stdout"}
		cfg.DisableStacktrace = true

		base, err := cfg.Build()
		if err != nil {
			// the text format is always available
			base = zap.NewNop()
			log.Printf("failed to build json logger, falling back to no-op: %v", err)
		}
		zapBase = base
	})

	return &zapLogger{
		level: logger.INFO,
		sugar: zapBase.Named(pkgName).Sugar(),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to logger.LogLevel
func parseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the logger factory for the configured format and sets
// the level of every proxy logger
func InitLoggers(config ServerConfig) error {
	return initLoggers(config.LogLevel, config.LogFormat)
}

// InitClientLoggers configures the loggers for client side commands
func InitClientLoggers(level string) error {
	return initLoggers(level, "text")
}

func initLoggers(level, format string) error {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		logger.SetLoggerFactory(CreateZapLogger)
	case "text", "":
		logger.SetLoggerFactory(CreateLogger)
	default:
		return fmt.Errorf("invalid log format: %s. must be one of text, json", format)
	}

	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
