// Package logging provides structured logging for StockPilot.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the global logger.
type Options struct {
	Level      string // debug, info, warn, error
	FilePath   string // when set, logs rotate on disk instead of stdout
	MaxSizeMB  int    // rotation threshold, defaults to 20
	MaxBackups int    // rotated files kept, defaults to 5
}

var (
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(opts Options) {
	once.Do(func() {
		global = build(opts)
	})
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(Options{Level: "info"})
	}
	return global
}

func build(opts Options) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	var out io.Writer = os.Stdout
	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 20
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		out = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}
	logger.SetOutput(out)

	return logger
}

// Convenience functions using the global logger. The context map carries
// structured fields, matching logrus.Fields.

func Debug(message string, context ...map[string]interface{}) {
	Get().WithFields(merge(context...)).Debug(message)
}

func Info(message string, context ...map[string]interface{}) {
	Get().WithFields(merge(context...)).Info(message)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().WithFields(merge(context...)).Warn(message)
}

func Error(message string, err error, context ...map[string]interface{}) {
	entry := Get().WithFields(merge(context...))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// merge flattens multiple context maps into logrus fields.
func merge(context ...map[string]interface{}) logrus.Fields {
	if len(context) == 0 {
		return logrus.Fields{}
	}
	fields := make(logrus.Fields)
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}
	return fields
}
