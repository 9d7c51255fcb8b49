package logger

import (
	"log"
	"os"
	"strings"
)

// 中文说明：
// 轻量日志封装：支持设置全局级别，便于减少刷屏。
// 仓位相关日志统一携带 position id 与步骤名，便于事后排查。

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var current = LevelInfo

func SetLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		current = LevelDebug
	case "info":
		current = LevelInfo
	case "warn", "warning":
		current = LevelWarn
	case "error":
		current = LevelError
	default:
		current = LevelInfo
	}
}

func Debugf(format string, v ...any) {
	if current <= LevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}
func Infof(format string, v ...any) {
	if current <= LevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}
func Warnf(format string, v ...any) {
	if current <= LevelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}
func Errorf(format string, v ...any) {
	if current <= LevelError {
		log.Printf("[ERROR] "+format, v...)
	}
}

// Fatalf 打印后退出（仅用于启动阶段的致命错误，例如快照损坏）。
func Fatalf(format string, v ...any) {
	log.Printf("[FATAL] "+format, v...)
	os.Exit(1)
}

// Positionf 输出带 position id 与步骤名的结构化日志行。
func Positionf(level Level, positionID, step, format string, v ...any) {
	prefix := "position=" + positionID + " step=" + step + " "
	switch level {
	case LevelDebug:
		Debugf(prefix+format, v...)
	case LevelWarn:
		Warnf(prefix+format, v...)
	case LevelError:
		Errorf(prefix+format, v...)
	default:
		Infof(prefix+format, v...)
	}
}
