// This package defines a common config struct which can be used by any subsystem within obvsync.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug             bool
	RootDir           string
	LoggingPrefix     string
	BackgroundWorkers int
	DialogMaxAgeMs    int64
	QueueBatchSize    int
	writer            io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// Number of workers handling device added/removed events outside the coordinator's serial queue.
func WithBackgroundWorkers(n int) Option {
	return func(c *Config) {
		c.BackgroundWorkers = n
	}
}

func WithDialogMaxAgeMs(n int64) Option {
	return func(c *Config) {
		c.DialogMaxAgeMs = n
	}
}

func WithQueueBatchSize(n int) Option {
	return func(c *Config) {
		c.QueueBatchSize = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:             os.Getenv("DEBUG") == "1",
		LoggingPrefix:     "",
		RootDir:           ".",
		BackgroundWorkers: 4,
		DialogMaxAgeMs:    30 * 24 * 3600 * 1000,
		QueueBatchSize:    100,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}
	if c.BackgroundWorkers < 1 {
		c.BackgroundWorkers = 1
	}
	if c.QueueBatchSize < 1 {
		c.QueueBatchSize = 1
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
