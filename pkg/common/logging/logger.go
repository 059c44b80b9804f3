/*
Copyright IBM All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package logging provides module-scoped loggers for the gateway packages.
//
// Loggers are named by module (e.g. "gateway/event") and write through a
// shared zap core. The default core logs to stderr at INFO level; callers
// may install their own with Initialize.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled, printf-style logger for a single module.
type Logger struct {
	module   string
	instance *zap.SugaredLogger
	once     sync.Once
}

var (
	mutex    sync.RWMutex
	provider *zap.Logger
)

// Initialize replaces the logger implementation used by all module loggers
// created after the call.
func Initialize(logger *zap.Logger) {
	mutex.Lock()
	defer mutex.Unlock()
	provider = logger
}

// NewLogger creates a Logger for the given module.
// The underlying implementation is lazy initialized on first use.
func NewLogger(module string) *Logger {
	return &Logger{module: module}
}

func (l *Logger) logger() *zap.SugaredLogger {
	l.once.Do(func() {
		mutex.RLock()
		p := provider
		mutex.RUnlock()
		if p == nil {
			p = defaultLogger()
		}
		l.instance = p.Named(l.module).Sugar()
	})
	return l.instance
}

func defaultLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(args ...interface{}) { l.logger().Debug(args...) }

// Debugf logs at DEBUG level with formatting.
func (l *Logger) Debugf(format string, args ...interface{}) { l.logger().Debugf(format, args...) }

// Info logs at INFO level.
func (l *Logger) Info(args ...interface{}) { l.logger().Info(args...) }

// Infof logs at INFO level with formatting.
func (l *Logger) Infof(format string, args ...interface{}) { l.logger().Infof(format, args...) }

// Warn logs at WARN level.
func (l *Logger) Warn(args ...interface{}) { l.logger().Warn(args...) }

// Warnf logs at WARN level with formatting.
func (l *Logger) Warnf(format string, args ...interface{}) { l.logger().Warnf(format, args...) }

// Error logs at ERROR level.
func (l *Logger) Error(args ...interface{}) { l.logger().Error(args...) }

// Errorf logs at ERROR level with formatting.
func (l *Logger) Errorf(format string, args ...interface{}) { l.logger().Errorf(format, args...) }
