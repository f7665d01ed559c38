// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"fmt"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"io"
	"os"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Messages are routed through logrus so that structured fields attached
// with With() show up alongside the caller's file and line.
type Logger struct {
	nErrors *int64
	entry   *logrus.Entry
}

// Used when methods are called on a nil *Logger; only warnings and errors
// are reported.
var fallback = newLogrus(os.Stderr, logrus.WarnLevel)

func newLogrus(w io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&lineFormatter{})
	return l
}

func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stderr, verbose, debug)
}

// NewLoggerTo is like NewLogger, but sends all output to w.
func NewLoggerTo(w io.Writer, verbose, debug bool) *Logger {
	level := logrus.WarnLevel
	if verbose {
		level = logrus.InfoLevel
	}
	if debug {
		level = logrus.DebugLevel
	}
	var n int64
	return &Logger{nErrors: &n, entry: logrus.NewEntry(newLogrus(w, level))}
}

// With returns a Logger that includes the given key/value pairs with
// each message. The error count is shared with the parent.
func (l *Logger) With(kv ...interface{}) *Logger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	if l == nil {
		var n int64
		return &Logger{nErrors: &n, entry: fallback.WithFields(fields)}
	}
	return &Logger{nErrors: l.nErrors, entry: l.entry.WithFields(fields)}
}

// NErrors returns the number of errors that have been reported.
func (l *Logger) NErrors() int {
	if l == nil {
		return 0
	}
	return int(atomic.LoadInt64(l.nErrors))
}

func (l *Logger) at() *logrus.Entry {
	var e *logrus.Entry
	if l == nil {
		e = logrus.NewEntry(fallback)
	} else {
		e = l.entry
	}
	// The code that called the Logger method.
	return e.WithField(callerKey, caller(3))
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Print(strings.TrimSuffix(fmt.Sprintf(f, args...), "\n") + "\n")
}

func (l *Logger) Debug(f string, args ...interface{}) {
	l.at().Debugf(f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	l.at().Infof(f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l.at().Warnf(f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l != nil {
		atomic.AddInt64(l.nErrors, 1)
	}
	l.at().Errorf(f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l != nil {
		atomic.AddInt64(l.nErrors, 1)
	}
	l.at().Errorf(f, args...)
	os.Exit(1)
}

// CheckError prints a fatal error if the given error is non-nil.  It also
// takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}
	if l != nil {
		atomic.AddInt64(l.nErrors, 1)
	}
	if len(msg) == 0 {
		l.at().Errorf("Error: %+v", err)
	} else {
		f := msg[0].(string)
		l.at().Errorf(f, msg[1:]...)
	}
	os.Exit(1)
}

///////////////////////////////////////////////////////////////////////////

const callerKey = "caller"

func caller(skip int) string {
	_, fn, line, ok := runtime.Caller(skip)
	if !ok {
		return "???"
	}
	// Last two components of the path
	return path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
}

var levelColor = map[logrus.Level]*color.Color{
	logrus.DebugLevel: color.New(color.FgHiBlack),
	logrus.InfoLevel:  color.New(color.FgCyan),
	logrus.WarnLevel:  color.New(color.FgYellow, color.Bold),
	logrus.ErrorLevel: color.New(color.FgRed, color.Bold),
}

// lineFormatter writes "dir/file.go:123        : message key=value" lines.
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer
	where, _ := e.Data[callerKey].(string)
	fmt.Fprintf(&buf, "%-25s: ", where)
	if c, ok := levelColor[e.Level]; ok && e.Level <= logrus.WarnLevel {
		buf.WriteString(c.Sprint(strings.ToUpper(e.Level.String())) + " ")
	}
	buf.WriteString(strings.TrimSuffix(e.Message, "\n"))

	var keys []string
	for k := range e.Data {
		if k != callerKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, e.Data[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
