package logger

import (
	"fmt"
	"io"
	"strings"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
)

// Logger interface is used to allow tests to inject custom loggers.
type Logger interface {
	Fatalf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debug(...interface{})
	Warn(...interface{})
	Info(...interface{})
	Fatal(...interface{})
	Writer() io.Writer
	SetWriter(io.Writer)
}

type logger struct {
	*log.Logger
}

// NewLogger returns a new Logger instance backed by Logrus.
func NewLogger(level uint32) Logger {
	l := log.New()
	l.SetLevel(log.Level(level))
	l.Formatter = &log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	return &logger{l}
}

// NewDiscardLogger returns a Logger that writes nothing. Used by libraries
// when the caller does not supply a logger.
func NewDiscardLogger() Logger {
	l := NewLogger(uint32(log.ErrorLevel))
	l.SetWriter(io.Discard)
	return l
}

func (l *logger) Writer() io.Writer {
	return l.Out
}

func (l *logger) SetWriter(writer io.Writer) {
	l.Out = writer
}

// GetLogLevel converts the level string to its corresponding int value. It
// returns an error if the level is invalid.
func GetLogLevel(level string) (uint32, error) {
	var l uint32
	switch strings.ToLower(level) {
	case "debug":
		l = uint32(log.DebugLevel)
	case "info":
		l = uint32(log.InfoLevel)
	case "warn":
		l = uint32(log.WarnLevel)
	case "error":
		l = uint32(log.ErrorLevel)
	default:
		return 0, fmt.Errorf("Invalid log.level setting %q", level)
	}
	return l, nil
}

// badgerLogger implements the Badger logger interface by writing log
// messages to a Logger. Badger's info chatter is demoted to debug.
type badgerLogger struct {
	logger Logger
}

// NewBadgerLogger creates a Badger logger that writes log messages to the
// given Logger.
func NewBadgerLogger(logger Logger) badger.Logger {
	return &badgerLogger{logger}
}

// Errorf logs an error.
func (b *badgerLogger) Errorf(format string, v ...interface{}) {
	b.logger.Errorf("badger: "+strings.TrimSuffix(format, "\n"), v...)
}

// Warningf logs a warning statement.
func (b *badgerLogger) Warningf(format string, v ...interface{}) {
	b.logger.Warnf("badger: "+strings.TrimSuffix(format, "\n"), v...)
}

// Infof logs an info statement at debug level.
func (b *badgerLogger) Infof(format string, v ...interface{}) {
	b.logger.Debugf("badger: "+strings.TrimSuffix(format, "\n"), v...)
}

// Debugf logs a debug statement.
func (b *badgerLogger) Debugf(format string, v ...interface{}) {
	b.logger.Debugf("badger: "+strings.TrimSuffix(format, "\n"), v...)
}
