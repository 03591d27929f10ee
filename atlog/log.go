// Package atlog is the ambient leveled logger shared by every component of
// the core: a small set of levels, pluggable io.Writer sinks, and
// RFC 5424 structured formatting.
package atlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "OFF"
	}
}

func (l Level) severity() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Debug
	case INFO:
		return rfc5424.Info
	case WARN:
		return rfc5424.Warning
	case ERROR:
		return rfc5424.Error
	case FATAL:
		return rfc5424.Crit
	default:
		return rfc5424.Info
	}
}

// Logger is a leveled, mutex-guarded logger that writes RFC 5424 formatted
// records to one or more io.Writer sinks. The zero value is not usable;
// construct with New or Discard.
type Logger struct {
	mtx     sync.Mutex
	wtrs    []io.Writer
	lvl     Level
	appName string
	host    string
}

// New builds a logger at INFO level writing to wtr.
func New(wtr io.Writer, appName string) *Logger {
	host, _ := os.Hostname()
	return &Logger{
		wtrs:    []io.Writer{wtr},
		lvl:     INFO,
		appName: appName,
		host:    host,
	}
}

// Discard returns a logger that drops everything; the nil-object used by
// components when the caller passes no logger.
func Discard() *Logger {
	return New(io.Discard, "atcore")
}

func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
}

func (l *Logger) AddWriter(wtr io.Writer) {
	if wtr == nil {
		return
	}
	l.mtx.Lock()
	l.wtrs = append(l.wtrs, wtr)
	l.mtx.Unlock()
}

func (l *Logger) log(lvl Level, format string, args ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l == nil || lvl < l.lvl || l.lvl == OFF {
		return
	}
	msg := &rfc5424.Message{
		Priority:  rfc5424.Daemon | lvl.severity(),
		Timestamp: time.Now().UTC(),
		Hostname:  l.host,
		AppName:   l.appName,
		Message:   []byte(fmt.Sprintf(format, args...)),
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		return
	}
	for _, w := range l.wtrs {
		w.Write(append(b, '\n'))
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DEBUG, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(INFO, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(WARN, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ERROR, format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.log(FATAL, format, args...) }
