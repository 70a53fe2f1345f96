// Package logger builds the arbor loggers used by the server and CLI.
package logger

import (
	"fmt"
	"os"
	"runtime"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

// New returns a console logger at the given level ("debug", "info", ...).
func New(level string) arbor.ILogger {
	l := arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	})
	if level != "" {
		l = l.WithLevelFromString(level)
	}
	return l
}

// Discard returns a logger with no writers, for tests and quiet CLI runs.
func Discard() arbor.ILogger {
	return arbor.NewLogger()
}

// Go runs fn in a goroutine, logging and swallowing any panic.
func Go(log arbor.ILogger, name string, fn func()) {
	go func() {
		defer Recover(log, name)
		fn()
	}()
}

// Recover logs a recovered panic with its stack. Call it deferred.
func Recover(log arbor.ILogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	if log == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stack)
		return
	}
	log.Error().
		Str("goroutine", name).
		Str("panic", fmt.Sprintf("%v", r)).
		Str("stack", stack).
		Msg("Recovered from panic in goroutine")
}
