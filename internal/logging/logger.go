// Package logging provides structured JSON logging for the sync client.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging with an optional ship buffer.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
	buffer   *ShipBuffer
}

var (
	global *Logger
	once   sync.Once
)

// Init initializes the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = &Logger{out: out, minLevel: minLevel}
	})
}

// InitFile initializes the global logger writing rotated JSON lines to a
// file as well as stderr.
func InitFile(path string, minLevel LogLevel) {
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	Init(io.MultiWriter(os.Stderr, rotated), minLevel)
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stderr, LevelInfo)
	}
	return global
}

// AttachBuffer makes the logger copy every emitted entry into a bounded
// ship buffer so a log shipper can drain them later.
func (l *Logger) AttachBuffer(b *ShipBuffer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = b
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Context:   context,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("Failed to marshal log entry: %v\n", jsonErr)
		return
	}

	fmt.Fprintln(l.out, string(data))
	if l.buffer != nil {
		l.buffer.Push(entry)
	}
}

func (l *Logger) shouldLog(level LogLevel) bool {
	levels := map[LogLevel]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, mergeContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, mergeContext(context...))
}

func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using the global logger.

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
