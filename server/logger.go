// Copyright 2025 The Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewConsoleLogger returns a logger suitable for use before configuration is
// loaded, and as the startup logger.
func NewConsoleLogger(output *os.File, verbose bool) *zap.Logger {
	consoleEncoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})

	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(consoleEncoder, zapcore.Lock(output), level)
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel))
}

// SetupLogging builds the runtime logger from configuration and returns it
// together with a startup logger that always also writes to stdout.
func SetupLogging(tmpLogger *zap.Logger, config *Config) (*zap.Logger, *zap.Logger) {
	level := zap.InfoLevel
	switch config.Logger.Level {
	case "debug":
		level = zap.DebugLevel
	case "info":
		level = zap.InfoLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	default:
		tmpLogger.Fatal("Invalid log level", zap.String("level", config.Logger.Level))
	}

	var cores []zapcore.Core
	encoder := newEncoder(config.Logger.Format, tmpLogger)

	if config.Logger.File != "" {
		rotator := &lumberjack.Logger{
			Filename: config.Logger.File,
			MaxSize:  config.Logger.MaxSize,
			MaxAge:   config.Logger.MaxAge,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}
	if config.Logger.Stdout || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))

	startupLogger := logger
	if !config.Logger.Stdout {
		consoleCore := zapcore.NewCore(newEncoder("console", tmpLogger), zapcore.Lock(os.Stdout), level)
		startupLogger = zap.New(zapcore.NewTee(append(cores, consoleCore)...), zap.AddStacktrace(zap.ErrorLevel))
	}

	return logger, startupLogger
}

func newEncoder(format string, tmpLogger *zap.Logger) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	switch format {
	case "", "json":
		return zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	default:
		tmpLogger.Fatal("Invalid log format", zap.String("format", format))
		return nil
	}
}
