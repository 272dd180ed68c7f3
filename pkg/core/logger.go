package core

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger provides leveled logging for the dispatcher and its collaborators.
// The abstraction allows swapping implementations without touching callers.
type Logger interface {
	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})
}

// defaultLogger implements Logger using Go's standard log package
type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
}

// NewDefaultLogger creates a logger writing errors/warnings to stderr and
// info/debug to stdout.
func NewDefaultLogger() Logger {
	return NewLoggerTo(os.Stdout, os.Stderr)
}

// NewLoggerTo creates a logger with explicit output streams. Useful for
// capturing output in tests.
func NewLoggerTo(out, errOut io.Writer) Logger {
	return &defaultLogger{
		errorLogger: log.New(errOut, "[ERROR] ", log.LstdFlags),
		warnLogger:  log.New(errOut, "[WARN] ", log.LstdFlags),
		infoLogger:  log.New(out, "[INFO] ", log.LstdFlags),
		debugLogger: log.New(out, "[DEBUG] ", log.LstdFlags),
	}
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.errorLogger.Output(2, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.warnLogger.Output(2, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.infoLogger.Output(2, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.debugLogger.Output(2, fmt.Sprintf(format, args...))
}

// nopLogger discards everything.
type nopLogger struct{}

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}
