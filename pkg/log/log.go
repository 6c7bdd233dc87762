package log

// This file contains the implementation of a logger that adorns the logxi package with
// some common information not by default supplied by the generic code

import (
	"os"
	"sync"

	logxi "github.com/karlmutch/logxi/v1"
)

var (
	hostName string
)

func init() {
	hostName, _ = os.Hostname()
}

// Logger encapsulates the logging device that is used to emit logs and
// as a receiver that has the logging methods
//
type Logger struct {
	log    logxi.Logger
	fields []interface{}
	sync.Mutex
}

// NewLogger can be used to instantiate a wrapper logger with a module label
//
func NewLogger(component string) (log *Logger) {
	logxi.DisableCallstack()

	return &Logger{
		log: logxi.New(component),
	}
}

// With returns a logger that emits the supplied label value pairs on
// every line in addition to anything passed at the call site.  It is
// used to tag all output for one unit of work with its correlation id.
//
func (l *Logger) With(args ...interface{}) (log *Logger) {
	l.Lock()
	defer l.Unlock()

	fields := append([]interface{}{}, l.fields...)
	fields = append(fields, args...)

	return &Logger{
		log:    l.log,
		fields: fields,
	}
}

func (l *Logger) adorn(args []interface{}) (allArgs []interface{}) {
	allArgs = append([]interface{}{}, l.fields...)
	allArgs = append(allArgs, args...)
	allArgs = append(allArgs, "host")
	allArgs = append(allArgs, hostName)
	return allArgs
}

// Trace is a method for output of trace level messages
// with a varargs style list of parameters that is formatted
// as label and then the value in a single list
//
func (l *Logger) Trace(msg string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.log.Trace(msg, l.adorn(args))
}

// Debug is a method for output of debugging level messages
// with a varargs style list of parameters that is formatted
// as label and then the value in a single list
//
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.log.Debug(msg, l.adorn(args))
}

// Info is a method for output of informational level messages
// with a varargs style list of parameters that is formatted
// as label and then the value in a single list
//
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.log.Info(msg, l.adorn(args))
}

// Warn is a method for output of warning level messages
// with a varargs style list of parameters that is formatted
// as label and then the value in a single list
//
func (l *Logger) Warn(msg string, args ...interface{}) error {
	l.Lock()
	defer l.Unlock()
	return l.log.Warn(msg, l.adorn(args))
}

// Error is a method for output of error level messages
// with a varargs style list of parameters that is formatted
// as label and then the value in a single list
//
func (l *Logger) Error(msg string, args ...interface{}) error {
	l.Lock()
	defer l.Unlock()
	return l.log.Error(msg, l.adorn(args))
}

// Fatal is a method for output of fatal level messages
// with a varargs style list of parameters that is formatted
// as label and then the value in a single list
//
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.log.Fatal(msg, l.adorn(args))
}

// SetLevel can be used to set the threshold for the level of messages
// that will be output by the logger
//
func (l *Logger) SetLevel(lvl int) {
	l.Lock()
	defer l.Unlock()
	l.log.SetLevel(lvl)
}

// IsTrace returns true in the event that the threshold logging level
// allows for trace messages to appear in the output
//
func (l *Logger) IsTrace() bool {
	l.Lock()
	defer l.Unlock()
	return l.log.IsTrace()
}

// IsDebug returns true in the event that the threshold logging level
// allows for debugging messages to appear in the output
//
func (l *Logger) IsDebug() bool {
	l.Lock()
	defer l.Unlock()
	return l.log.IsDebug()
}
