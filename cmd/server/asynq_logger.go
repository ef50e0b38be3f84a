package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hibiken/asynq"
)

// asynqLogger routes asynq's internal logging into slog
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...), "component", "asynq") }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...), "component", "asynq") }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...), "component", "asynq") }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...), "component", "asynq") }

func (l asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...), "component", "asynq")
	os.Exit(1)
}

func asynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
